package mqtt5

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// SCRAM errors.
var (
	ErrSCRAMBadChallenge   = errors.New("malformed SCRAM server challenge")
	ErrSCRAMNonceMismatch  = errors.New("SCRAM server nonce does not extend client nonce")
	ErrSCRAMBadServerProof = errors.New("SCRAM server signature verification failed")
)

// SCRAMHash selects the hash family for SCRAM authentication.
type SCRAMHash int

const (
	// SCRAMHashSHA256 is SCRAM-SHA-256.
	SCRAMHashSHA256 SCRAMHash = iota
	// SCRAMHashSHA512 is SCRAM-SHA-512.
	SCRAMHashSHA512
)

// String returns the MQTT authentication method name.
func (h SCRAMHash) String() string {
	if h == SCRAMHashSHA512 {
		return "SCRAM-SHA-512"
	}
	return "SCRAM-SHA-256"
}

func (h SCRAMHash) hashFunc() func() hash.Hash {
	if h == SCRAMHashSHA512 {
		return sha512.New
	}
	return sha256.New
}

func (h SCRAMHash) keySize() int {
	if h == SCRAMHashSHA512 {
		return 64
	}
	return 32
}

// SCRAMAuthenticator is a client-side SCRAM enhanced authenticator. It
// produces the client-first-message at Start, answers the broker's
// challenge at Continue, and verifies the broker's signature at Complete.
type SCRAMAuthenticator struct {
	username string
	password string
	hashType SCRAMHash

	clientNonce     string
	clientFirstBare string
	serverFirst     string
	serverSignature []byte
}

// NewSCRAMAuthenticator creates a SCRAM authenticator for the given
// credentials.
func NewSCRAMAuthenticator(username, password string, hashType SCRAMHash) *SCRAMAuthenticator {
	return &SCRAMAuthenticator{
		username: username,
		password: password,
		hashType: hashType,
	}
}

// Method returns the authentication method name.
func (a *SCRAMAuthenticator) Method() string {
	return a.hashType.String()
}

// Start produces the client-first-message.
func (a *SCRAMAuthenticator) Start(_ context.Context) (*EnhancedAuthResult, error) {
	nonce := make([]byte, 18)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate SCRAM nonce: %w", err)
	}
	a.clientNonce = base64.StdEncoding.EncodeToString(nonce)
	a.clientFirstBare = "n=" + a.username + ",r=" + a.clientNonce
	return &EnhancedAuthResult{AuthData: []byte("n,," + a.clientFirstBare)}, nil
}

// Continue answers the server-first-message with the client-final-message.
func (a *SCRAMAuthenticator) Continue(_ context.Context, authCtx *EnhancedAuthContext) (*EnhancedAuthResult, error) {
	a.serverFirst = string(authCtx.AuthData)

	serverNonce, salt, iterations, err := parseServerFirst(a.serverFirst)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(serverNonce, a.clientNonce) {
		return nil, ErrSCRAMNonceMismatch
	}

	saltedPassword := pbkdf2.Key([]byte(a.password), salt, iterations, a.hashType.keySize(), a.hashType.hashFunc())

	clientKey := hmacSum(a.hashType, saltedPassword, []byte("Client Key"))
	storedKey := hashSum(a.hashType, clientKey)

	clientFinalBare := "c=biws,r=" + serverNonce
	authMessage := a.clientFirstBare + "," + a.serverFirst + "," + clientFinalBare

	clientSignature := hmacSum(a.hashType, storedKey, []byte(authMessage))
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	serverKey := hmacSum(a.hashType, saltedPassword, []byte("Server Key"))
	a.serverSignature = hmacSum(a.hashType, serverKey, []byte(authMessage))

	clientFinal := clientFinalBare + ",p=" + base64.StdEncoding.EncodeToString(proof)
	return &EnhancedAuthResult{AuthData: []byte(clientFinal)}, nil
}

// Complete verifies the server-final-message signature.
func (a *SCRAMAuthenticator) Complete(_ context.Context, authCtx *EnhancedAuthContext) error {
	data := string(authCtx.AuthData)
	if !strings.HasPrefix(data, "v=") {
		return ErrSCRAMBadChallenge
	}
	signature, err := base64.StdEncoding.DecodeString(data[2:])
	if err != nil {
		return ErrSCRAMBadChallenge
	}
	if !hmac.Equal(signature, a.serverSignature) {
		return ErrSCRAMBadServerProof
	}
	return nil
}

// parseServerFirst splits "r=<nonce>,s=<salt>,i=<iterations>".
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, field := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(field, "r="):
			nonce = field[2:]
		case strings.HasPrefix(field, "s="):
			salt, err = base64.StdEncoding.DecodeString(field[2:])
			if err != nil {
				return "", nil, 0, ErrSCRAMBadChallenge
			}
		case strings.HasPrefix(field, "i="):
			iterations, err = strconv.Atoi(field[2:])
			if err != nil {
				return "", nil, 0, ErrSCRAMBadChallenge
			}
		}
	}
	if nonce == "" || len(salt) == 0 || iterations < 1 {
		return "", nil, 0, ErrSCRAMBadChallenge
	}
	return nonce, salt, iterations, nil
}

func hmacSum(h SCRAMHash, key, data []byte) []byte {
	mac := hmac.New(h.hashFunc(), key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hashSum(h SCRAMHash, data []byte) []byte {
	sum := h.hashFunc()()
	sum.Write(data)
	return sum.Sum(nil)
}
