package mqtt5

import (
	"bytes"
	"errors"
	"io"
)

const (
	protocolName    = "MQTT"
	protocolVersion = 5
)

// Connect flag bits.
const (
	connectFlagCleanStart   = 0x02
	connectFlagWillFlag     = 0x04
	connectFlagWillRetain   = 0x20
	connectFlagPasswordFlag = 0x40
	connectFlagUsernameFlag = 0x80
)

// CONNECT / CONNACK errors.
var (
	ErrInvalidProtocolName    = errors.New("invalid protocol name")
	ErrInvalidProtocolVersion = errors.New("unsupported protocol version")
	ErrInvalidConnectFlags    = errors.New("invalid connect flags")
	ErrInvalidConnackFlags    = errors.New("invalid CONNACK flags")
)

// ConnectPacket is the CONNECT control packet.
type ConnectPacket struct {
	ClientID   string
	CleanStart bool
	KeepAlive  uint16
	Props      Properties

	Username string
	Password []byte

	WillFlag    bool
	WillRetain  bool
	WillQoS     byte
	WillTopic   string
	WillPayload []byte
	WillProps   Properties
}

func (p *ConnectPacket) Type() PacketType        { return PacketCONNECT }
func (p *ConnectPacket) Properties() *Properties { return &p.Props }

func (p *ConnectPacket) connectFlags() byte {
	var flags byte
	if p.CleanStart {
		flags |= connectFlagCleanStart
	}
	if p.WillFlag {
		flags |= connectFlagWillFlag
		flags |= (p.WillQoS & 0x03) << 3
		if p.WillRetain {
			flags |= connectFlagWillRetain
		}
	}
	if len(p.Password) > 0 {
		flags |= connectFlagPasswordFlag
	}
	if p.Username != "" {
		flags |= connectFlagUsernameFlag
	}
	return flags
}

func (p *ConnectPacket) setConnectFlags(flags byte) error {
	if flags&0x01 != 0 {
		return ErrInvalidConnectFlags
	}
	p.CleanStart = flags&connectFlagCleanStart != 0
	p.WillFlag = flags&connectFlagWillFlag != 0
	p.WillQoS = (flags >> 3) & 0x03
	p.WillRetain = flags&connectFlagWillRetain != 0

	if !p.WillFlag && (p.WillQoS != 0 || p.WillRetain) {
		return ErrInvalidConnectFlags
	}
	if p.WillQoS > 2 {
		return ErrInvalidConnectFlags
	}
	return nil
}

// Encode writes the packet.
func (p *ConnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	if _, err := encodeString(&buf, protocolName); err != nil {
		return 0, err
	}
	buf.WriteByte(protocolVersion)
	buf.WriteByte(p.connectFlags())
	if _, err := writeUint16(&buf, p.KeepAlive); err != nil {
		return 0, err
	}
	if _, err := p.Props.Encode(&buf); err != nil {
		return 0, err
	}

	if _, err := encodeString(&buf, p.ClientID); err != nil {
		return 0, err
	}
	if p.WillFlag {
		if _, err := p.WillProps.Encode(&buf); err != nil {
			return 0, err
		}
		if _, err := encodeString(&buf, p.WillTopic); err != nil {
			return 0, err
		}
		if _, err := encodeBinary(&buf, p.WillPayload); err != nil {
			return 0, err
		}
	}
	if p.Username != "" {
		if _, err := encodeString(&buf, p.Username); err != nil {
			return 0, err
		}
	}
	if len(p.Password) > 0 {
		if _, err := encodeBinary(&buf, p.Password); err != nil {
			return 0, err
		}
	}

	header := FixedHeader{PacketType: PacketCONNECT, RemainingLength: uint32(buf.Len())}
	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}
	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// Decode reads the packet body.
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}

	var total int

	protoName, n, err := decodeString(r)
	total += n
	if err != nil {
		return total, err
	}
	if protoName != protocolName {
		return total, ErrInvalidProtocolName
	}

	version, n, err := readByte(r)
	total += n
	if err != nil {
		return total, err
	}
	if version != protocolVersion {
		return total, ErrInvalidProtocolVersion
	}

	flags, n, err := readByte(r)
	total += n
	if err != nil {
		return total, err
	}
	if err := p.setConnectFlags(flags); err != nil {
		return total, err
	}
	usernameFlag := flags&connectFlagUsernameFlag != 0
	passwordFlag := flags&connectFlagPasswordFlag != 0

	p.KeepAlive, n, err = readUint16(r)
	total += n
	if err != nil {
		return total, err
	}

	n, err = p.Props.Decode(r)
	total += n
	if err != nil {
		return total, err
	}

	p.ClientID, n, err = decodeString(r)
	total += n
	if err != nil {
		return total, err
	}

	if p.WillFlag {
		n, err = p.WillProps.Decode(r)
		total += n
		if err != nil {
			return total, err
		}
		p.WillTopic, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}
		p.WillPayload, n, err = decodeBinary(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	if usernameFlag {
		p.Username, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}
	}
	if passwordFlag {
		p.Password, n, err = decodeBinary(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Validate checks the packet contents.
func (p *ConnectPacket) Validate() error {
	if len(p.ClientID) > maxUint16 {
		return ErrInvalidClientID
	}
	if p.WillQoS > 2 {
		return ErrInvalidConnectFlags
	}
	if !p.WillFlag && (p.WillRetain || p.WillQoS != 0) {
		return ErrInvalidConnectFlags
	}
	if p.WillFlag {
		return ValidateTopicName(p.WillTopic)
	}
	return nil
}

// ErrInvalidClientID reports a client identifier the protocol cannot carry.
var ErrInvalidClientID = errors.New("invalid client identifier")

// ConnackPacket is the CONNACK control packet.
type ConnackPacket struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Props          Properties
}

func (p *ConnackPacket) Type() PacketType        { return PacketCONNACK }
func (p *ConnackPacket) Properties() *Properties { return &p.Props }

// Encode writes the packet.
func (p *ConnackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}
	buf.WriteByte(flags)
	buf.WriteByte(byte(p.ReasonCode))
	if _, err := p.Props.Encode(&buf); err != nil {
		return 0, err
	}

	header := FixedHeader{PacketType: PacketCONNACK, RemainingLength: uint32(buf.Len())}
	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}
	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// Decode reads the packet body.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}

	var total int

	flags, n, err := readByte(r)
	total += n
	if err != nil {
		return total, err
	}
	if flags&0xFE != 0 {
		return total, ErrInvalidConnackFlags
	}
	p.SessionPresent = flags&0x01 != 0

	code, n, err := readByte(r)
	total += n
	if err != nil {
		return total, err
	}
	p.ReasonCode = ReasonCode(code)

	if header.RemainingLength > 2 {
		n, err = p.Props.Decode(r)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Validate checks the packet contents.
func (p *ConnackPacket) Validate() error {
	if p.ReasonCode != ReasonSuccess && p.SessionPresent {
		return ErrInvalidConnackFlags
	}
	return nil
}
