package mqtt5

import (
	"bytes"
	"errors"
	"io"
)

// ErrInvalidPacketID reports a zero packet identifier where one is required.
var ErrInvalidPacketID = errors.New("invalid packet identifier")

// ackBody is the shared shape of PUBACK, PUBREC, PUBREL and PUBCOMP: a
// packet identifier, an optional reason code and optional properties.
type ackBody struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Props      Properties
}

func (a *ackBody) ID() uint16      { return a.PacketID }
func (a *ackBody) SetID(id uint16) { a.PacketID = id }

func (a *ackBody) encode(w io.Writer, packetType PacketType, flags byte) (int, error) {
	var buf bytes.Buffer

	if _, err := writeUint16(&buf, a.PacketID); err != nil {
		return 0, err
	}

	// The reason code and properties are elided on the wire when the code
	// is success and no properties are present.
	if a.ReasonCode != ReasonSuccess || a.Props.Len() > 0 {
		buf.WriteByte(byte(a.ReasonCode))
		if a.Props.Len() > 0 {
			if _, err := a.Props.Encode(&buf); err != nil {
				return 0, err
			}
		}
	}

	header := FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: uint32(buf.Len()),
	}
	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}
	n, err := w.Write(buf.Bytes())
	return total + n, err
}

func (a *ackBody) decode(r io.Reader, header FixedHeader) (int, error) {
	var total int

	id, n, err := readUint16(r)
	total += n
	if err != nil {
		return total, err
	}
	a.PacketID = id

	if header.RemainingLength > 2 {
		code, n, err := readByte(r)
		total += n
		if err != nil {
			return total, err
		}
		a.ReasonCode = ReasonCode(code)

		if header.RemainingLength > 3 {
			n, err = a.Props.Decode(r)
			total += n
			if err != nil {
				return total, err
			}
		}
	} else {
		a.ReasonCode = ReasonSuccess
	}

	return total, nil
}

func (a *ackBody) validate() error {
	if a.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct{ ackBody }

func (p *PubackPacket) Type() PacketType        { return PacketPUBACK }
func (p *PubackPacket) Properties() *Properties { return &p.Props }
func (p *PubackPacket) Validate() error         { return p.validate() }

func (p *PubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return p.encode(w, PacketPUBACK, 0x00)
}

func (p *PubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBACK {
		return 0, ErrInvalidPacketType
	}
	return p.decode(r, header)
}

// PubrecPacket is the first acknowledgement of a QoS 2 PUBLISH.
type PubrecPacket struct{ ackBody }

func (p *PubrecPacket) Type() PacketType        { return PacketPUBREC }
func (p *PubrecPacket) Properties() *Properties { return &p.Props }
func (p *PubrecPacket) Validate() error         { return p.validate() }

func (p *PubrecPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return p.encode(w, PacketPUBREC, 0x00)
}

func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBREC {
		return 0, ErrInvalidPacketType
	}
	return p.decode(r, header)
}

// PubrelPacket releases a QoS 2 exchange after PUBREC.
type PubrelPacket struct{ ackBody }

func (p *PubrelPacket) Type() PacketType        { return PacketPUBREL }
func (p *PubrelPacket) Properties() *Properties { return &p.Props }
func (p *PubrelPacket) Validate() error         { return p.validate() }

func (p *PubrelPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	// PUBREL carries mandatory flags 0x02
	return p.encode(w, PacketPUBREL, 0x02)
}

func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBREL {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}
	return p.decode(r, header)
}

// PubcompPacket completes a QoS 2 exchange.
type PubcompPacket struct{ ackBody }

func (p *PubcompPacket) Type() PacketType        { return PacketPUBCOMP }
func (p *PubcompPacket) Properties() *Properties { return &p.Props }
func (p *PubcompPacket) Validate() error         { return p.validate() }

func (p *PubcompPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return p.encode(w, PacketPUBCOMP, 0x00)
}

func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBCOMP {
		return 0, ErrInvalidPacketType
	}
	return p.decode(r, header)
}
