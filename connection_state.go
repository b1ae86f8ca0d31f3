package mqtt5

import (
	"fmt"
	"sync"
	"time"
)

// keepAliveGraceFactor is the multiple of the keep-alive interval after
// which a missing PINGRESP is treated as a dead connection.
const keepAliveGraceFactor = 1.5

// keepAliveAction is the outcome of one keep-alive evaluation.
type keepAliveAction int

const (
	keepAliveIdle keepAliveAction = iota
	keepAliveSendPing
	keepAliveDead
)

// ServerLimits holds the broker-advertised limits from CONNACK.
type ServerLimits struct {
	ReceiveMaximum       uint16
	MaximumPacketSize    uint32
	TopicAliasMaximum    uint16
	ServerKeepAlive      uint16
	HasServerKeepAlive   bool
	MaximumQoS           byte
	RetainAvailable      bool
	WildcardSubAvailable bool
	SubIDAvailable       bool
	SharedSubAvailable   bool
}

// defaultServerLimits returns the limits the protocol assumes when the
// CONNACK omits them.
func defaultServerLimits() ServerLimits {
	return ServerLimits{
		ReceiveMaximum:       65535,
		MaximumQoS:           QoS2,
		RetainAvailable:      true,
		WildcardSubAvailable: true,
		SubIDAvailable:       true,
		SharedSubAvailable:   true,
	}
}

// ConnectionState is the ephemeral per-connection data: activity
// timestamps driving keep-alive, the outstanding ping flag, the topic
// alias tables and the server limits. A fresh one is created for every
// TCP/WebSocket connection.
type ConnectionState struct {
	mu sync.Mutex

	lastInbound     time.Time
	lastOutbound    time.Time
	pingOutstanding bool
	pingSentAt      time.Time

	aliases *TopicAliasManager
	limits  ServerLimits
}

// NewConnectionState creates connection state for a new network
// connection. inboundAliasMax is the client's advertised topic alias
// maximum.
func NewConnectionState(inboundAliasMax uint16) *ConnectionState {
	now := time.Now()
	return &ConnectionState{
		lastInbound:  now,
		lastOutbound: now,
		aliases:      NewTopicAliasManager(inboundAliasMax, 0),
		limits:       defaultServerLimits(),
	}
}

// RegisterInboundActivity stamps the inbound activity clock.
func (c *ConnectionState) RegisterInboundActivity() {
	c.mu.Lock()
	c.lastInbound = time.Now()
	c.mu.Unlock()
}

// RegisterOutboundActivity stamps the outbound activity clock.
func (c *ConnectionState) RegisterOutboundActivity() {
	c.mu.Lock()
	c.lastOutbound = time.Now()
	c.mu.Unlock()
}

// PingReceived clears the outstanding ping.
func (c *ConnectionState) PingReceived() {
	c.mu.Lock()
	c.pingOutstanding = false
	c.mu.Unlock()
}

// PingOutstanding reports whether a PINGREQ awaits its PINGRESP.
func (c *ConnectionState) PingOutstanding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingOutstanding
}

// KeepAlive evaluates the liveness protocol. With no outbound traffic for
// a full interval and no ping outstanding it asks for a PINGREQ; with a
// ping outstanding past the grace deadline it declares the connection
// dead.
func (c *ConnectionState) KeepAlive(interval time.Duration) keepAliveAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.pingOutstanding {
		if now.Sub(c.pingSentAt) >= time.Duration(float64(interval)*keepAliveGraceFactor) {
			return keepAliveDead
		}
		return keepAliveIdle
	}
	if now.Sub(c.lastOutbound) >= interval {
		c.pingOutstanding = true
		c.pingSentAt = now
		// The requested PINGREQ is itself outbound traffic.
		c.lastOutbound = now
		return keepAliveSendPing
	}
	return keepAliveIdle
}

// Limits returns the server-advertised limits.
func (c *ConnectionState) Limits() ServerLimits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// ApplyConnack records the broker's limits from CONNACK properties.
func (c *ConnectionState) ApplyConnack(props *Properties) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if props == nil {
		return nil
	}

	if props.Has(PropReceiveMaximum) {
		rm := props.GetUint16(PropReceiveMaximum)
		if rm == 0 {
			return fmt.Errorf("server sent Receive Maximum 0: %w", ErrProtocolViolation)
		}
		c.limits.ReceiveMaximum = rm
	}
	if props.Has(PropMaximumPacketSize) {
		mps := props.GetUint32(PropMaximumPacketSize)
		if mps == 0 || mps > maxVarint {
			return fmt.Errorf("server sent invalid Maximum Packet Size: %w", ErrProtocolViolation)
		}
		c.limits.MaximumPacketSize = mps
	}
	if props.Has(PropTopicAliasMaximum) {
		c.limits.TopicAliasMaximum = props.GetUint16(PropTopicAliasMaximum)
		c.aliases.SetOutboundMax(c.limits.TopicAliasMaximum)
	}
	if props.Has(PropServerKeepAlive) {
		c.limits.ServerKeepAlive = props.GetUint16(PropServerKeepAlive)
		c.limits.HasServerKeepAlive = true
	}
	if props.Has(PropMaximumQoS) {
		maxQoS := props.GetByte(PropMaximumQoS)
		if maxQoS > QoS1 {
			return fmt.Errorf("server sent Maximum QoS %d: %w", maxQoS, ErrProtocolViolation)
		}
		c.limits.MaximumQoS = maxQoS
	}
	if props.Has(PropRetainAvailable) {
		c.limits.RetainAvailable = props.GetByte(PropRetainAvailable) == 1
	}
	if props.Has(PropWildcardSubAvailable) {
		c.limits.WildcardSubAvailable = props.GetByte(PropWildcardSubAvailable) == 1
	}
	if props.Has(PropSubscriptionIDAvailable) {
		c.limits.SubIDAvailable = props.GetByte(PropSubscriptionIDAvailable) == 1
	}
	if props.Has(PropSharedSubAvailable) {
		c.limits.SharedSubAvailable = props.GetByte(PropSharedSubAvailable) == 1
	}
	return nil
}

// SetTopicAlias rewrites an outbound PUBLISH to use a topic alias when the
// broker allows aliasing. A known topic is sent as empty-topic plus alias;
// a new topic is sent with both so the broker learns the mapping; with the
// table full the publish goes out unchanged.
func (c *ConnectionState) SetTopicAlias(pkt *PublishPacket) {
	if alias := c.aliases.Outbound(pkt.Topic); alias > 0 {
		pkt.Props.Set(PropTopicAlias, alias)
		pkt.Topic = ""
		return
	}
	if alias := c.aliases.AllocateOutbound(pkt.Topic); alias > 0 {
		pkt.Props.Set(PropTopicAlias, alias)
	}
}

// ResolveInboundAlias maps an inbound PUBLISH through the alias table,
// learning new mappings and resolving empty-topic publishes.
func (c *ConnectionState) ResolveInboundAlias(pkt *PublishPacket) error {
	alias := pkt.Props.GetUint16(PropTopicAlias)
	if alias == 0 {
		return nil
	}
	if pkt.Topic != "" {
		return c.aliases.SetInbound(alias, pkt.Topic)
	}
	topic, err := c.aliases.GetInbound(alias)
	if err != nil {
		return err
	}
	pkt.Topic = topic
	return nil
}
