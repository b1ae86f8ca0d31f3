package mqtt5

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
)

// Conn is the bidirectional byte channel carrying one MQTT connection.
type Conn interface {
	net.Conn
}

// Dialer establishes MQTT transport connections.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// defaultPorts maps URI schemes to their conventional ports.
var defaultPorts = map[string]string{
	"tcp":  "1883",
	"mqtt": "1883",
	"ssl":  "8883",
	"tls":  "8883",
	"ws":   "80",
	"wss":  "443",
	"quic": "8883",
}

// dialServer opens the transport named by a server URI: tcp://host:port,
// ssl://host:port, ws(s)://host:port/mqtt or quic://host:port.
func dialServer(ctx context.Context, uri string, o *clientOptions) (Conn, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid server URI %q: %w", uri, err)
	}

	host := u.Host
	if u.Port() == "" {
		port, ok := defaultPorts[u.Scheme]
		if !ok {
			return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	proxyDialer, err := resolveProxy(uri, o)
	if err != nil {
		return nil, fmt.Errorf("proxy configuration: %w", err)
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		if proxyDialer != nil {
			return proxyDialer.DialContext(ctx, "tcp", host)
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", host)

	case "ssl", "tls":
		tlsConfig := o.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if proxyDialer != nil {
			raw, err := proxyDialer.DialContext(ctx, "tcp", host)
			if err != nil {
				return nil, err
			}
			tlsConn := tls.Client(raw, tlsConfig)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, fmt.Errorf("TLS handshake: %w", err)
			}
			return tlsConn, nil
		}
		d := &tls.Dialer{NetDialer: &net.Dialer{}, Config: tlsConfig}
		return d.DialContext(ctx, "tcp", host)

	case "ws", "wss":
		if u.Path == "" {
			u.Path = WebSocketPath
		}
		wsDialer := NewWSDialer()
		if o.tlsConfig != nil {
			wsDialer.Dialer.TLSClientConfig = o.tlsConfig
		}
		if proxyDialer != nil || o.proxyFromEnv {
			wsDialer.SetProxyFromEnvironment()
		}
		return wsDialer.Dial(ctx, u.String())

	case "quic":
		return NewQUICDialer(o.tlsConfig).Dial(ctx, host)

	default:
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
}

// resolveProxy returns the proxy dialer for a target, or nil when the
// connection should be direct.
func resolveProxy(targetURI string, o *clientOptions) (*ProxyDialer, error) {
	if o.proxyConfig != nil {
		return NewProxyDialer(o.proxyConfig.URL, o.proxyConfig.Username, o.proxyConfig.Password)
	}
	if o.proxyFromEnv {
		proxyURL, err := ProxyFromEnvironment(targetURI)
		if err != nil {
			return nil, err
		}
		if proxyURL != nil {
			return NewProxyDialer(proxyURL.String(), "", "")
		}
	}
	return nil, nil
}
