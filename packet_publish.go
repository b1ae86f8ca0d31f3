package mqtt5

import (
	"bytes"
	"errors"
	"io"
)

// PUBLISH packet errors.
var (
	ErrInvalidQoS       = errors.New("invalid QoS level")
	ErrPacketIDRequired = errors.New("packet identifier required for QoS > 0")
)

// PublishPacket is the PUBLISH control packet.
type PublishPacket struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	DUP      bool
	PacketID uint16
	Props    Properties
}

func (p *PublishPacket) Type() PacketType        { return PacketPUBLISH }
func (p *PublishPacket) Properties() *Properties { return &p.Props }
func (p *PublishPacket) ID() uint16              { return p.PacketID }
func (p *PublishPacket) SetID(id uint16)         { p.PacketID = id }

func (p *PublishPacket) flags() byte {
	var flags byte
	if p.DUP {
		flags |= 0x08
	}
	flags |= (p.QoS & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}
	return flags
}

func (p *PublishPacket) setFlags(flags byte) {
	p.DUP = flags&0x08 != 0
	p.QoS = (flags >> 1) & 0x03
	p.Retain = flags&0x01 != 0
}

// Encode writes the packet.
func (p *PublishPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	if _, err := encodeString(&buf, p.Topic); err != nil {
		return 0, err
	}
	if p.QoS > 0 {
		if _, err := writeUint16(&buf, p.PacketID); err != nil {
			return 0, err
		}
	}
	if _, err := p.Props.Encode(&buf); err != nil {
		return 0, err
	}
	buf.Write(p.Payload)

	header := FixedHeader{
		PacketType:      PacketPUBLISH,
		Flags:           p.flags(),
		RemainingLength: uint32(buf.Len()),
	}
	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}
	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// Decode reads the packet body.
func (p *PublishPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBLISH {
		return 0, ErrInvalidPacketType
	}

	p.setFlags(header.Flags)
	if p.QoS > 2 {
		return 0, ErrInvalidQoS
	}

	var total int
	var n int
	var err error

	p.Topic, n, err = decodeString(r)
	total += n
	if err != nil {
		return total, err
	}

	if p.QoS > 0 {
		p.PacketID, n, err = readUint16(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	n, err = p.Props.Decode(r)
	total += n
	if err != nil {
		return total, err
	}

	if payloadLen := int(header.RemainingLength) - total; payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		n, err = io.ReadFull(r, p.Payload)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Validate checks the packet contents.
func (p *PublishPacket) Validate() error {
	if p.QoS > 2 {
		return ErrInvalidQoS
	}
	if p.QoS == 0 && p.DUP {
		return ErrInvalidPacketFlags
	}
	if p.QoS > 0 && p.PacketID == 0 {
		return ErrPacketIDRequired
	}
	return nil
}

// ToMessage converts the packet to an application message.
func (p *PublishPacket) ToMessage() *Message {
	m := &Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
	}
	m.FromProperties(&p.Props)
	return m
}

// FromMessage fills the packet from an application message.
func (p *PublishPacket) FromMessage(m *Message) {
	p.Topic = m.Topic
	p.Payload = m.Payload
	p.QoS = m.QoS
	p.Retain = m.Retain
	p.Props = m.ToProperties()
}
