package mqtt5

import "context"

// EnhancedAuthContext carries one step of an AUTH exchange received from
// the broker.
type EnhancedAuthContext struct {
	// AuthMethod is the authentication method in use.
	AuthMethod string

	// AuthData is the broker's authentication data for this step.
	AuthData []byte

	// ReasonCode is the AUTH packet's reason code.
	ReasonCode ReasonCode
}

// EnhancedAuthResult is the client's answer for one step of an AUTH
// exchange.
type EnhancedAuthResult struct {
	// AuthData is sent back to the broker in the next CONNECT or AUTH
	// packet.
	AuthData []byte
}

// EnhancedAuthenticator drives client-side enhanced authentication: the
// multi-step AUTH packet exchange negotiated through the Authentication
// Method CONNECT property. The same exchange runs again when the broker
// requests re-authentication.
type EnhancedAuthenticator interface {
	// Method returns the authentication method name.
	Method() string

	// Start produces the initial authentication data for CONNECT.
	Start(ctx context.Context) (*EnhancedAuthResult, error)

	// Continue answers a broker challenge (AUTH with Continue
	// authentication).
	Continue(ctx context.Context, authCtx *EnhancedAuthContext) (*EnhancedAuthResult, error)

	// Complete verifies the broker's final authentication data, delivered
	// with the success indication.
	Complete(ctx context.Context, authCtx *EnhancedAuthContext) error
}
