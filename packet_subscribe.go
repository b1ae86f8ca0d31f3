package mqtt5

import (
	"bytes"
	"errors"
	"io"
)

var (
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrInvalidSubscriptionID = errors.New("invalid subscription identifier")
)

// Subscription is one topic filter with its subscription options.
type Subscription struct {
	TopicFilter     string
	QoS             byte
	NoLocal         bool
	RetainAsPublish bool
	RetainHandling  byte
}

// SubscribePacket is the SUBSCRIBE control packet.
type SubscribePacket struct {
	PacketID      uint16
	Props         Properties
	Subscriptions []Subscription
}

func (p *SubscribePacket) Type() PacketType        { return PacketSUBSCRIBE }
func (p *SubscribePacket) Properties() *Properties { return &p.Props }
func (p *SubscribePacket) ID() uint16              { return p.PacketID }
func (p *SubscribePacket) SetID(id uint16)         { p.PacketID = id }

// Encode writes the packet.
func (p *SubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	if _, err := writeUint16(&buf, p.PacketID); err != nil {
		return 0, err
	}
	if _, err := p.Props.Encode(&buf); err != nil {
		return 0, err
	}

	for _, sub := range p.Subscriptions {
		if _, err := encodeString(&buf, sub.TopicFilter); err != nil {
			return 0, err
		}
		options := sub.QoS & 0x03
		if sub.NoLocal {
			options |= 0x04
		}
		if sub.RetainAsPublish {
			options |= 0x08
		}
		options |= (sub.RetainHandling & 0x03) << 4
		buf.WriteByte(options)
	}

	header := FixedHeader{PacketType: PacketSUBSCRIBE, Flags: 0x02, RemainingLength: uint32(buf.Len())}
	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}
	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// Decode reads the packet body.
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}

	var total int
	var n int
	var err error

	p.PacketID, n, err = readUint16(r)
	total += n
	if err != nil {
		return total, err
	}

	n, err = p.Props.Decode(r)
	total += n
	if err != nil {
		return total, err
	}

	if p.Props.Has(PropSubscriptionIdentifier) {
		if id := p.Props.GetUint32(PropSubscriptionIdentifier); id == 0 || id > maxVarint {
			return total, ErrInvalidSubscriptionID
		}
	}

	p.Subscriptions = nil
	for total < int(header.RemainingLength) {
		var sub Subscription

		sub.TopicFilter, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}

		options, n, err := readByte(r)
		total += n
		if err != nil {
			return total, err
		}
		if options&0xC0 != 0 {
			return total, ErrProtocolViolation
		}
		sub.QoS = options & 0x03
		sub.NoLocal = options&0x04 != 0
		sub.RetainAsPublish = options&0x08 != 0
		sub.RetainHandling = (options >> 4) & 0x03

		p.Subscriptions = append(p.Subscriptions, sub)
	}

	return total, nil
}

// Validate checks the packet contents.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.Subscriptions) == 0 {
		return ErrProtocolViolation
	}
	for _, sub := range p.Subscriptions {
		if sub.TopicFilter == "" {
			return ErrProtocolViolation
		}
		if sub.QoS > 2 {
			return ErrInvalidQoS
		}
		if sub.RetainHandling > 2 {
			return ErrProtocolViolation
		}
	}
	return nil
}

// SubackPacket is the SUBACK control packet: one reason code per requested
// subscription, in order.
type SubackPacket struct {
	PacketID    uint16
	Props       Properties
	ReasonCodes []ReasonCode
}

func (p *SubackPacket) Type() PacketType        { return PacketSUBACK }
func (p *SubackPacket) Properties() *Properties { return &p.Props }
func (p *SubackPacket) ID() uint16              { return p.PacketID }
func (p *SubackPacket) SetID(id uint16)         { p.PacketID = id }

// Encode writes the packet.
func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	if _, err := writeUint16(&buf, p.PacketID); err != nil {
		return 0, err
	}
	if _, err := p.Props.Encode(&buf); err != nil {
		return 0, err
	}
	for _, code := range p.ReasonCodes {
		buf.WriteByte(byte(code))
	}

	header := FixedHeader{PacketType: PacketSUBACK, RemainingLength: uint32(buf.Len())}
	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}
	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// Decode reads the packet body.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}
	return decodeAckList(r, header, &p.PacketID, &p.Props, &p.ReasonCodes)
}

// Validate checks the packet contents.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.ReasonCodes) == 0 {
		return ErrProtocolViolation
	}
	return nil
}

// UnsubscribePacket is the UNSUBSCRIBE control packet.
type UnsubscribePacket struct {
	PacketID     uint16
	Props        Properties
	TopicFilters []string
}

func (p *UnsubscribePacket) Type() PacketType        { return PacketUNSUBSCRIBE }
func (p *UnsubscribePacket) Properties() *Properties { return &p.Props }
func (p *UnsubscribePacket) ID() uint16              { return p.PacketID }
func (p *UnsubscribePacket) SetID(id uint16)         { p.PacketID = id }

// Encode writes the packet.
func (p *UnsubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	if _, err := writeUint16(&buf, p.PacketID); err != nil {
		return 0, err
	}
	if _, err := p.Props.Encode(&buf); err != nil {
		return 0, err
	}
	for _, filter := range p.TopicFilters {
		if _, err := encodeString(&buf, filter); err != nil {
			return 0, err
		}
	}

	header := FixedHeader{PacketType: PacketUNSUBSCRIBE, Flags: 0x02, RemainingLength: uint32(buf.Len())}
	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}
	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// Decode reads the packet body.
func (p *UnsubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketUNSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}

	var total int
	var n int
	var err error

	p.PacketID, n, err = readUint16(r)
	total += n
	if err != nil {
		return total, err
	}

	n, err = p.Props.Decode(r)
	total += n
	if err != nil {
		return total, err
	}

	p.TopicFilters = nil
	for total < int(header.RemainingLength) {
		filter, n, err := decodeString(r)
		total += n
		if err != nil {
			return total, err
		}
		p.TopicFilters = append(p.TopicFilters, filter)
	}

	return total, nil
}

// Validate checks the packet contents.
func (p *UnsubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.TopicFilters) == 0 {
		return ErrProtocolViolation
	}
	for _, filter := range p.TopicFilters {
		if filter == "" {
			return ErrProtocolViolation
		}
	}
	return nil
}

// UnsubackPacket is the UNSUBACK control packet.
type UnsubackPacket struct {
	PacketID    uint16
	Props       Properties
	ReasonCodes []ReasonCode
}

func (p *UnsubackPacket) Type() PacketType        { return PacketUNSUBACK }
func (p *UnsubackPacket) Properties() *Properties { return &p.Props }
func (p *UnsubackPacket) ID() uint16              { return p.PacketID }
func (p *UnsubackPacket) SetID(id uint16)         { p.PacketID = id }

// Encode writes the packet.
func (p *UnsubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	if _, err := writeUint16(&buf, p.PacketID); err != nil {
		return 0, err
	}
	if _, err := p.Props.Encode(&buf); err != nil {
		return 0, err
	}
	for _, code := range p.ReasonCodes {
		buf.WriteByte(byte(code))
	}

	header := FixedHeader{PacketType: PacketUNSUBACK, RemainingLength: uint32(buf.Len())}
	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}
	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// Decode reads the packet body.
func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketUNSUBACK {
		return 0, ErrInvalidPacketType
	}
	return decodeAckList(r, header, &p.PacketID, &p.Props, &p.ReasonCodes)
}

// Validate checks the packet contents.
func (p *UnsubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.ReasonCodes) == 0 {
		return ErrProtocolViolation
	}
	return nil
}

// decodeAckList reads the shared SUBACK/UNSUBACK body: packet identifier,
// properties, then one reason code per remaining byte.
func decodeAckList(r io.Reader, header FixedHeader, id *uint16, props *Properties, codes *[]ReasonCode) (int, error) {
	var total int
	var n int
	var err error

	*id, n, err = readUint16(r)
	total += n
	if err != nil {
		return total, err
	}

	n, err = props.Decode(r)
	total += n
	if err != nil {
		return total, err
	}

	*codes = nil
	for total < int(header.RemainingLength) {
		code, n, err := readByte(r)
		total += n
		if err != nil {
			return total, err
		}
		*codes = append(*codes, ReasonCode(code))
	}

	return total, nil
}
