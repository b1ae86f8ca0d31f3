package mqtt5

import (
	"errors"
	"fmt"
)

// Client operation errors.
var (
	// ErrNotConnected is returned when an operation needs a live connection
	// and offline buffering is disabled.
	ErrNotConnected = errors.New("client not connected")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("client closed")

	// ErrBufferFull completes tokens rejected by a full offline buffer.
	ErrBufferFull = errors.New("offline buffer full")

	// ErrPacketIDExhausted is returned when all 65535 packet identifiers
	// are in flight.
	ErrPacketIDExhausted = errors.New("no packet identifiers available")

	// ErrQoSNotSupported is returned when a publish exceeds the server's
	// Maximum QoS.
	ErrQoSNotSupported = errors.New("QoS level not supported by server")

	// ErrRetainNotSupported is returned for retained publishes when the
	// server does not support retained messages.
	ErrRetainNotSupported = errors.New("retained messages not supported by server")

	// ErrWildcardSubNotSupported is returned for wildcard filters when the
	// server does not support wildcard subscriptions.
	ErrWildcardSubNotSupported = errors.New("wildcard subscriptions not supported by server")

	// ErrSharedSubNotSupported is returned for $share filters when the
	// server does not support shared subscriptions.
	ErrSharedSubNotSupported = errors.New("shared subscriptions not supported by server")

	// ErrConnectionLost completes in-flight tokens when the transport
	// fails.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNoServers is returned when every configured server URI has been
	// tried without success.
	ErrNoServers = errors.New("all servers unavailable")

	// ErrPingTimeout tears a connection whose PINGRESP never arrived
	// within the keep-alive grace window.
	ErrPingTimeout = errors.New("no PINGRESP within keep-alive window")
)

// ConnectError is returned when the broker rejects a CONNECT.
type ConnectError struct {
	ReasonCode ReasonCode
	Props      *Properties
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect rejected: %s", e.ReasonCode)
}

// errorToReasonCode maps framing and protocol errors to the DISCONNECT
// reason code the client should send before tearing the connection.
// ReasonSuccess means the error is transport-level and no DISCONNECT is
// owed.
func errorToReasonCode(err error) ReasonCode {
	switch {
	case err == nil:
		return ReasonSuccess
	case errors.Is(err, ErrPacketTooLarge):
		return ReasonPacketTooLarge
	case errors.Is(err, ErrUnknownPacketType),
		errors.Is(err, ErrInvalidPacketType),
		errors.Is(err, ErrProtocolViolation),
		errors.Is(err, ErrUnknownPropertyID):
		return ReasonProtocolError
	case errors.Is(err, ErrInvalidPacketFlags),
		errors.Is(err, ErrInvalidPacketID),
		errors.Is(err, ErrInvalidQoS),
		errors.Is(err, ErrPacketIDRequired),
		errors.Is(err, ErrVarintTooLarge),
		errors.Is(err, ErrVarintMalformed),
		errors.Is(err, ErrInvalidConnackFlags),
		errors.Is(err, ErrInvalidUTF8),
		errors.Is(err, ErrStringContainsNull):
		return ReasonMalformedPacket
	}
	return ReasonSuccess
}
