package mqtt5

import (
	"crypto/tls"
	"time"

	"golang.org/x/time/rate"
)

// clientOptions holds the full client configuration.
type clientOptions struct {
	servers []string

	clientID   string
	username   string
	password   []byte
	keepAlive  uint16
	cleanStart bool

	tlsConfig *tls.Config

	connectTimeout time.Duration
	writeTimeout   time.Duration

	willTopic   string
	willPayload []byte
	willRetain  bool
	willQoS     byte
	willProps   *Properties

	autoReconnect     bool
	reconnectMinDelay time.Duration
	reconnectMaxDelay time.Duration

	bufferEnabled    bool
	bufferSize       int
	bufferDropOldest bool

	sessionExpiryInterval uint32
	receiveMaximum        uint16
	topicAliasMaximum     uint16
	maxPacketSize         uint32
	requestResponseInfo   bool
	requestProblemInfo    bool
	userProperties        map[string]string

	store        Store
	logger       Logger
	enhancedAuth EnhancedAuthenticator
	outboundRate *rate.Limiter

	proxyConfig  *ProxyConfig
	proxyFromEnv bool

	onConnectionLost func(err error)
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		keepAlive:         60,
		cleanStart:        true,
		connectTimeout:    10 * time.Second,
		writeTimeout:      5 * time.Second,
		reconnectMinDelay: time.Second,
		reconnectMaxDelay: 2 * time.Minute,
		bufferSize:        100,
		logger:            NoOpLogger{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithServers sets the server URIs tried in order on every connect and
// reconnect attempt. Accepted schemes: tcp, ssl, ws, wss, quic.
func WithServers(servers ...string) Option {
	return func(o *clientOptions) {
		o.servers = append(o.servers, servers...)
	}
}

// WithClientID sets the client identifier. Empty requests a
// server-assigned identifier.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the user name and password sent in CONNECT.
func WithCredentials(username string, password []byte) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = password
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. Zero disables the
// liveness protocol.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

// WithCleanStart clears the session state on connect.
func WithCleanStart(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanStart = clean
	}
}

// WithSessionExpiryInterval sets the session expiry interval in seconds.
// Zero (the default) means the session ends when the connection does.
func WithSessionExpiryInterval(seconds uint32) Option {
	return func(o *clientOptions) {
		o.sessionExpiryInterval = seconds
	}
}

// WithTLS sets the TLS configuration for ssl://, wss:// and quic://
// servers.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithConnectTimeout bounds each connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout bounds individual packet writes.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithWill sets the will message published by the broker if the client
// disconnects ungracefully.
func WithWill(topic string, payload []byte, qos byte, retain bool) Option {
	return func(o *clientOptions) {
		o.willTopic = topic
		o.willPayload = payload
		o.willQoS = qos
		o.willRetain = retain
	}
}

// WithWillProperties sets the will message properties.
func WithWillProperties(props *Properties) Option {
	return func(o *clientOptions) {
		o.willProps = props
	}
}

// WithAutomaticReconnect enables reconnection with exponential back-off
// between minDelay and maxDelay, doubling per failed attempt and resetting
// on success.
func WithAutomaticReconnect(minDelay, maxDelay time.Duration) Option {
	return func(o *clientOptions) {
		o.autoReconnect = true
		if minDelay > 0 {
			o.reconnectMinDelay = minDelay
		}
		if maxDelay > 0 {
			o.reconnectMaxDelay = maxDelay
		}
	}
}

// WithOfflineBuffer enables queueing publishes while disconnected, up to
// size entries. Without it, publishing while offline fails with
// ErrNotConnected.
func WithOfflineBuffer(size int) Option {
	return func(o *clientOptions) {
		o.bufferEnabled = true
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithOfflineBufferDropOldest makes a full offline buffer evict its
// oldest entry instead of rejecting the new one.
func WithOfflineBufferDropOldest() Option {
	return func(o *clientOptions) {
		o.bufferDropOldest = true
	}
}

// WithReceiveMaximum advertises how many QoS > 0 publishes the client will
// accept concurrently.
func WithReceiveMaximum(maximum uint16) Option {
	return func(o *clientOptions) {
		o.receiveMaximum = maximum
	}
}

// WithTopicAliasMaximum advertises how many inbound topic aliases the
// client accepts.
func WithTopicAliasMaximum(maximum uint16) Option {
	return func(o *clientOptions) {
		o.topicAliasMaximum = maximum
	}
}

// WithMaxPacketSize advertises the largest packet the client accepts.
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		if size > maxVarint {
			size = maxVarint
		}
		o.maxPacketSize = size
	}
}

// WithRequestResponseInfo asks the broker for response information.
func WithRequestResponseInfo() Option {
	return func(o *clientOptions) {
		o.requestResponseInfo = true
	}
}

// WithRequestProblemInfo asks the broker for reason strings on failures.
func WithRequestProblemInfo() Option {
	return func(o *clientOptions) {
		o.requestProblemInfo = true
	}
}

// WithUserProperties adds user properties to the CONNECT packet.
func WithUserProperties(props map[string]string) Option {
	return func(o *clientOptions) {
		o.userProperties = props
	}
}

// WithStore sets the durable persistence backend for session state.
// Defaults to an in-memory store.
func WithStore(store Store) Option {
	return func(o *clientOptions) {
		o.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEnhancedAuthentication sets the authenticator driving AUTH packet
// exchanges.
func WithEnhancedAuthentication(auth EnhancedAuthenticator) Option {
	return func(o *clientOptions) {
		o.enhancedAuth = auth
	}
}

// WithOutboundRate paces queue draining with the given limiter.
func WithOutboundRate(limiter *rate.Limiter) Option {
	return func(o *clientOptions) {
		o.outboundRate = limiter
	}
}

// WithProxy routes TCP and TLS connections through the given proxy.
func WithProxy(config *ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxyConfig = config
	}
}

// WithProxyFromEnvironment reads proxy settings from HTTP_PROXY,
// HTTPS_PROXY, ALL_PROXY and NO_PROXY.
func WithProxyFromEnvironment() Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = true
	}
}

// OnConnectionLost sets a callback invoked when an established connection
// fails.
func OnConnectionLost(fn func(err error)) Option {
	return func(o *clientOptions) {
		o.onConnectionLost = fn
	}
}

func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
