package mqtt5

import (
	"bytes"
	"errors"
	"io"
)

var (
	ErrPacketTooLarge    = errors.New("packet exceeds maximum size")
	ErrUnknownPacketType = errors.New("unknown packet type")
)

// packetForType allocates an empty packet for the given type.
func packetForType(t PacketType) (Packet, error) {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	case PacketAUTH:
		return &AuthPacket{}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

// ReadPacket reads one complete MQTT packet from r. If maxSize is greater
// than zero, packets with a larger remaining length fail with
// ErrPacketTooLarge.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}
	if err := header.ValidateFlags(); err != nil {
		return nil, n, err
	}
	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	body := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		rn, err := io.ReadFull(r, body)
		n += rn
		if err != nil {
			return nil, n, err
		}
	}

	packet, err := packetForType(header.PacketType)
	if err != nil {
		return nil, n, err
	}
	if _, err := packet.Decode(bytes.NewReader(body), header); err != nil {
		return nil, n, err
	}
	return packet, n, nil
}

// WritePacket writes one complete MQTT packet to w. If maxSize is greater
// than zero, packets that encode larger fail with ErrPacketTooLarge before
// anything is written.
func WritePacket(w io.Writer, packet Packet, maxSize uint32) (int, error) {
	if err := packet.Validate(); err != nil {
		return 0, err
	}

	if maxSize > 0 {
		var buf bytes.Buffer
		n, err := packet.Encode(&buf)
		if err != nil {
			return 0, err
		}
		if uint32(n) > maxSize {
			return 0, ErrPacketTooLarge
		}
		return w.Write(buf.Bytes())
	}

	return packet.Encode(w)
}

// encodePacket serializes a packet to a byte slice.
func encodePacket(packet Packet) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := packet.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodePacket parses a single packet from a byte slice.
func decodePacket(data []byte) (Packet, error) {
	pkt, _, err := ReadPacket(bytes.NewReader(data), 0)
	return pkt, err
}

// Decoder is a streaming deframer. Bytes arrive in arbitrary chunks; Feed
// buffers them and emits every complete packet. The decoder owns no I/O.
type Decoder struct {
	buf     []byte
	pktLen  int // total length of the packet at the head of buf; 0 = unknown
	maxSize uint32
}

// NewDecoder creates a streaming decoder. maxSize bounds the remaining
// length of accepted packets; zero means no bound.
func NewDecoder(maxSize uint32) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// Buffered returns the number of residual bytes awaiting completion.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards all residual state.
func (d *Decoder) Reset() {
	d.buf = nil
	d.pktLen = 0
}

// Feed appends data and returns every packet completed by it, in wire
// order. A non-nil error is fatal to the stream: the connection carrying it
// can no longer be framed.
func (d *Decoder) Feed(data []byte) ([]Packet, error) {
	d.buf = append(d.buf, data...)

	var packets []Packet
	for {
		if d.pktLen == 0 {
			// Need the fixed header byte plus a decodable remaining length.
			remlen, remlenLen, ok, err := peekVarint(d.buf, 1)
			if err != nil {
				return packets, err
			}
			if !ok {
				return packets, nil
			}
			if d.maxSize > 0 && remlen > d.maxSize {
				return packets, ErrPacketTooLarge
			}
			d.pktLen = 1 + remlenLen + int(remlen)
		}

		if len(d.buf) < d.pktLen {
			return packets, nil
		}

		frame := d.buf[:d.pktLen]
		pkt, err := decodePacket(frame)
		if err != nil {
			return packets, err
		}
		packets = append(packets, pkt)

		rest := d.buf[d.pktLen:]
		d.buf = append(d.buf[:0:0], rest...)
		d.pktLen = 0
	}
}

// peekVarint decodes a variable byte integer starting at offset. ok is
// false when more bytes are needed.
func peekVarint(b []byte, offset int) (value uint32, n int, ok bool, err error) {
	var multiplier uint32 = 1
	for i := offset; i < len(b); i++ {
		if n == 4 {
			return 0, n, false, ErrVarintMalformed
		}
		value += uint32(b[i]&varintValueMask) * multiplier
		n++
		if value > maxVarint {
			return 0, n, false, ErrVarintTooLarge
		}
		if b[i]&varintContinueBit == 0 {
			return value, n, true, nil
		}
		multiplier *= 128
	}
	if n >= 4 {
		return 0, n, false, ErrVarintMalformed
	}
	return 0, n, false, nil
}
