package mqtt5

import "io"

// QoS levels.
const (
	QoS0 byte = 0 // at most once
	QoS1 byte = 1 // at least once
	QoS2 byte = 2 // exactly once
)

// Packet is implemented by all MQTT control packets.
type Packet interface {
	// Type returns the control packet type.
	Type() PacketType

	// Encode writes the complete packet, fixed header included.
	Encode(w io.Writer) (int, error)

	// Decode reads the packet body. The fixed header has already been
	// consumed by the caller.
	Decode(r io.Reader, header FixedHeader) (int, error)

	// Validate checks the packet contents against the protocol rules.
	Validate() error
}

// PacketWithID is implemented by packets that carry a packet identifier.
type PacketWithID interface {
	Packet

	ID() uint16
	SetID(id uint16)
}

// Message is a user-facing MQTT application message.
type Message struct {
	// Topic is the topic name to publish to, or the topic the message was
	// received on.
	Topic string

	// Payload is the application payload.
	Payload []byte

	// QoS is the delivery quality of service (0, 1 or 2).
	QoS byte

	// Retain marks the message as retained.
	Retain bool

	// PayloadFormat is 1 for UTF-8 text, 0 for unspecified bytes.
	PayloadFormat byte

	// MessageExpiry is the message lifetime in seconds; zero means none.
	MessageExpiry uint32

	// ContentType is the MIME type of the payload.
	ContentType string

	// ResponseTopic is the topic for request/response replies.
	ResponseTopic string

	// CorrelationData links a response to its request.
	CorrelationData []byte

	// UserProperties are user-defined name-value pairs.
	UserProperties []StringPair

	// SubscriptionIdentifiers are the identifiers of the matching
	// subscriptions; set only on received messages.
	SubscriptionIdentifiers []uint32
}

// ToProperties converts the message metadata into PUBLISH properties.
func (m *Message) ToProperties() Properties {
	var p Properties

	if m.PayloadFormat != 0 {
		p.Set(PropPayloadFormatIndicator, m.PayloadFormat)
	}
	if m.MessageExpiry != 0 {
		p.Set(PropMessageExpiryInterval, m.MessageExpiry)
	}
	if m.ContentType != "" {
		p.Set(PropContentType, m.ContentType)
	}
	if m.ResponseTopic != "" {
		p.Set(PropResponseTopic, m.ResponseTopic)
	}
	if len(m.CorrelationData) > 0 {
		p.Set(PropCorrelationData, m.CorrelationData)
	}
	for _, up := range m.UserProperties {
		p.Add(PropUserProperty, up)
	}
	return p
}

// FromProperties fills the message metadata from PUBLISH properties.
func (m *Message) FromProperties(p *Properties) {
	if p == nil {
		return
	}
	m.PayloadFormat = p.GetByte(PropPayloadFormatIndicator)
	m.MessageExpiry = p.GetUint32(PropMessageExpiryInterval)
	m.ContentType = p.GetString(PropContentType)
	m.ResponseTopic = p.GetString(PropResponseTopic)
	m.CorrelationData = p.GetBinary(PropCorrelationData)
	m.UserProperties = p.GetAllStringPairs(PropUserProperty)
	m.SubscriptionIdentifiers = p.GetAllVarInts(PropSubscriptionIdentifier)
}
