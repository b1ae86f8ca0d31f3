package mqtt5

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/pbkdf2"
)

// scramTestServer implements the broker half of the SCRAM exchange.
type scramTestServer struct {
	hash       SCRAMHash
	password   string
	salt       []byte
	iterations int

	serverNonce string
	authMessage string
}

func (s *scramTestServer) challenge(t *testing.T, clientFirst []byte) []byte {
	t.Helper()
	msg := string(clientFirst)
	require.True(t, strings.HasPrefix(msg, "n,,"), "client-first must carry the gs2 header")

	bare := msg[3:]
	var clientNonce string
	for _, field := range strings.Split(bare, ",") {
		if strings.HasPrefix(field, "r=") {
			clientNonce = field[2:]
		}
	}
	require.NotEmpty(t, clientNonce)

	s.serverNonce = clientNonce + "server-ext"
	serverFirst := "r=" + s.serverNonce +
		",s=" + base64.StdEncoding.EncodeToString(s.salt) +
		",i=4096"
	s.authMessage = bare + "," + serverFirst + ",c=biws,r=" + s.serverNonce
	return []byte(serverFirst)
}

func (s *scramTestServer) verify(t *testing.T, clientFinal []byte) []byte {
	t.Helper()
	msg := string(clientFinal)
	require.True(t, strings.HasPrefix(msg, "c=biws,r="+s.serverNonce+",p="))

	proofB64 := msg[strings.Index(msg, ",p=")+3:]
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	require.NoError(t, err)

	salted := pbkdf2.Key([]byte(s.password), s.salt, s.iterations, s.hash.keySize(), s.hash.hashFunc())
	clientKey := hmacSum(s.hash, salted, []byte("Client Key"))
	storedKey := hashSum(s.hash, clientKey)
	clientSig := hmacSum(s.hash, storedKey, []byte(s.authMessage))

	recovered := make([]byte, len(proof))
	for i := range proof {
		recovered[i] = proof[i] ^ clientSig[i]
	}
	assert.Equal(t, storedKey, hashSum(s.hash, recovered), "client proof must verify")

	serverKey := hmacSum(s.hash, salted, []byte("Server Key"))
	serverSig := hmacSum(s.hash, serverKey, []byte(s.authMessage))
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSig))
}

func TestSCRAMExchange(t *testing.T) {
	for _, hash := range []SCRAMHash{SCRAMHashSHA256, SCRAMHashSHA512} {
		t.Run(hash.String(), func(t *testing.T) {
			server := &scramTestServer{
				hash:       hash,
				password:   "hunter2",
				salt:       []byte("0123456789abcdef"),
				iterations: 4096,
			}
			auth := NewSCRAMAuthenticator("alice", "hunter2", hash)
			ctx := context.Background()

			start, err := auth.Start(ctx)
			require.NoError(t, err)

			serverFirst := server.challenge(t, start.AuthData)
			final, err := auth.Continue(ctx, &EnhancedAuthContext{
				AuthMethod: hash.String(),
				AuthData:   serverFirst,
				ReasonCode: ReasonContinueAuth,
			})
			require.NoError(t, err)

			serverFinal := server.verify(t, final.AuthData)
			require.NoError(t, auth.Complete(ctx, &EnhancedAuthContext{
				AuthMethod: hash.String(),
				AuthData:   serverFinal,
				ReasonCode: ReasonSuccess,
			}))
		})
	}
}

func TestSCRAMRejectsForgedServerSignature(t *testing.T) {
	auth := NewSCRAMAuthenticator("alice", "hunter2", SCRAMHashSHA256)
	ctx := context.Background()

	start, err := auth.Start(ctx)
	require.NoError(t, err)

	server := &scramTestServer{
		hash:       SCRAMHashSHA256,
		password:   "hunter2",
		salt:       []byte("salt-salt-salt-1"),
		iterations: 4096,
	}
	serverFirst := server.challenge(t, start.AuthData)
	_, err = auth.Continue(ctx, &EnhancedAuthContext{AuthData: serverFirst})
	require.NoError(t, err)

	forged := []byte("v=" + base64.StdEncoding.EncodeToString([]byte("not-a-signature")))
	err = auth.Complete(ctx, &EnhancedAuthContext{AuthData: forged})
	assert.ErrorIs(t, err, ErrSCRAMBadServerProof)
}

func TestSCRAMRejectsNonceTruncation(t *testing.T) {
	auth := NewSCRAMAuthenticator("alice", "hunter2", SCRAMHashSHA256)
	_, err := auth.Start(context.Background())
	require.NoError(t, err)

	challenge := []byte("r=unrelated-nonce,s=" + base64.StdEncoding.EncodeToString([]byte("salt")) + ",i=4096")
	_, err = auth.Continue(context.Background(), &EnhancedAuthContext{AuthData: challenge})
	assert.ErrorIs(t, err, ErrSCRAMNonceMismatch)
}

func TestSCRAMBadChallenge(t *testing.T) {
	auth := NewSCRAMAuthenticator("alice", "pw", SCRAMHashSHA256)
	_, err := auth.Start(context.Background())
	require.NoError(t, err)

	_, err = auth.Continue(context.Background(), &EnhancedAuthContext{AuthData: []byte("garbage")})
	assert.ErrorIs(t, err, ErrSCRAMBadChallenge)
}
