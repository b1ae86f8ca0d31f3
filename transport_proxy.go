package mqtt5

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/net/proxy"
)

// ProxyConfig configures an outbound proxy for TCP and TLS connections.
type ProxyConfig struct {
	// URL in the form http://host:port or socks5://host:port.
	URL string
	// Username for proxy authentication, optional.
	Username string
	// Password for proxy authentication, optional.
	Password string
}

// ProxyDialer dials through an HTTP CONNECT or SOCKS5 proxy.
type ProxyDialer struct {
	proxyURL *url.URL
	username string
	password string
	forward  net.Dialer
}

// NewProxyDialer creates a proxy dialer. Supported schemes: http, https,
// socks5, socks5h.
func NewProxyDialer(proxyURL, username, password string) (*ProxyDialer, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyDialer{
		proxyURL: u,
		username: username,
		password: password,
	}, nil
}

// DialContext connects to addr through the proxy.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch d.proxyURL.Scheme {
	case "http", "https":
		return d.dialHTTPConnect(ctx, addr)
	case "socks5", "socks5h":
		return d.dialSOCKS5(ctx, network, addr)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", d.proxyURL.Scheme)
	}
}

func (d *ProxyDialer) dialHTTPConnect(ctx context.Context, targetAddr string) (net.Conn, error) {
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		if d.proxyURL.Scheme == "https" {
			proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "443")
		} else {
			proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "8080")
		}
	}

	conn, err := d.forward.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetAddr},
		Host:   targetAddr,
		Header: make(http.Header),
	}
	if d.username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+auth)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	return conn, nil
}

func (d *ProxyDialer) dialSOCKS5(ctx context.Context, network, targetAddr string) (net.Conn, error) {
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "1080")
	}

	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err := cd.DialContext(ctx, network, targetAddr)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 dial: %w", err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial(network, targetAddr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 dial: %w", err)
	}
	return conn, nil
}

// ProxyFromEnvironment returns the proxy URL for targetAddr from
// HTTP_PROXY, HTTPS_PROXY, ALL_PROXY and NO_PROXY. Nil means a direct
// connection.
func ProxyFromEnvironment(targetAddr string) (*url.URL, error) {
	u, err := url.Parse(targetAddr)
	if err != nil {
		return nil, nil
	}

	if noProxyMatch(u.Hostname()) {
		return nil, nil
	}

	var proxyEnv string
	switch u.Scheme {
	case "ssl", "tls", "wss":
		proxyEnv = envOrLower("HTTPS_PROXY")
	default:
		proxyEnv = envOrLower("HTTP_PROXY")
	}
	if proxyEnv == "" {
		proxyEnv = envOrLower("ALL_PROXY")
	}
	if proxyEnv == "" {
		return nil, nil
	}

	proxyURL, err := url.Parse(proxyEnv)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy environment value %q: %w", proxyEnv, err)
	}
	return proxyURL, nil
}

func envOrLower(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return os.Getenv(strings.ToLower(name))
}

func noProxyMatch(host string) bool {
	noProxy := envOrLower("NO_PROXY")
	if noProxy == "" {
		return false
	}
	for _, pattern := range strings.Split(noProxy, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if pattern == "*" {
			return true
		}
		if strings.HasPrefix(pattern, ".") {
			if strings.HasSuffix(host, pattern) || host == pattern[1:] {
				return true
			}
		} else if host == pattern || strings.HasSuffix(host, "."+pattern) {
			return true
		}
	}
	return false
}
