package mqtt5

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCompletes(t *testing.T) {
	token := newToken(nil)

	select {
	case <-token.Done():
		t.Fatal("token completed before any acknowledgement")
	default:
	}

	token.addReasonCodes([]ReasonCode{ReasonSuccess})
	token.complete(nil)

	require.NoError(t, token.Wait(context.Background()))
	assert.Equal(t, []ReasonCode{ReasonSuccess}, token.ReasonCodes())
}

func TestTokenCompleteOnce(t *testing.T) {
	token := newToken(nil)
	first := errors.New("first")

	token.complete(first)
	token.complete(errors.New("second"))

	assert.ErrorIs(t, token.Err(), first)
}

func TestTokenWaitRespectsContext(t *testing.T) {
	token := newToken(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := token.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenAccumulatesReasonCodes(t *testing.T) {
	token := newToken(nil)

	// A QoS 2 flow appends the PUBREC codes, then the PUBCOMP codes.
	token.addReasonCodes([]ReasonCode{ReasonSuccess})
	token.addReasonCodes([]ReasonCode{ReasonSuccess})
	assert.Equal(t, []ReasonCode{ReasonSuccess, ReasonSuccess}, token.ReasonCodes())
}
