package mqtt5

import (
	"errors"
	"io"
)

// PropertyID identifies an MQTT v5 property.
type PropertyID byte

// Property identifiers from the MQTT v5 registry.
const (
	PropPayloadFormatIndicator   PropertyID = 0x01
	PropMessageExpiryInterval    PropertyID = 0x02
	PropContentType              PropertyID = 0x03
	PropResponseTopic            PropertyID = 0x08
	PropCorrelationData          PropertyID = 0x09
	PropSubscriptionIdentifier   PropertyID = 0x0B
	PropSessionExpiryInterval    PropertyID = 0x11
	PropAssignedClientIdentifier PropertyID = 0x12
	PropServerKeepAlive          PropertyID = 0x13
	PropAuthenticationMethod     PropertyID = 0x15
	PropAuthenticationData       PropertyID = 0x16
	PropRequestProblemInfo       PropertyID = 0x17
	PropWillDelayInterval        PropertyID = 0x18
	PropRequestResponseInfo      PropertyID = 0x19
	PropResponseInformation      PropertyID = 0x1A
	PropServerReference          PropertyID = 0x1C
	PropReasonString             PropertyID = 0x1F
	PropReceiveMaximum           PropertyID = 0x21
	PropTopicAliasMaximum        PropertyID = 0x22
	PropTopicAlias               PropertyID = 0x23
	PropMaximumQoS               PropertyID = 0x24
	PropRetainAvailable          PropertyID = 0x25
	PropUserProperty             PropertyID = 0x26
	PropMaximumPacketSize        PropertyID = 0x27
	PropWildcardSubAvailable     PropertyID = 0x28
	PropSubscriptionIDAvailable  PropertyID = 0x29
	PropSharedSubAvailable       PropertyID = 0x2A
)

// propertyType is the wire representation of a property value.
type propertyType byte

const (
	propTypeByte propertyType = iota
	propTypeTwoByteInt
	propTypeFourByteInt
	propTypeVarInt
	propTypeString
	propTypeBinary
	propTypeStringPair
)

var propertyTypes = map[PropertyID]propertyType{
	PropPayloadFormatIndicator:   propTypeByte,
	PropMessageExpiryInterval:    propTypeFourByteInt,
	PropContentType:              propTypeString,
	PropResponseTopic:            propTypeString,
	PropCorrelationData:          propTypeBinary,
	PropSubscriptionIdentifier:   propTypeVarInt,
	PropSessionExpiryInterval:    propTypeFourByteInt,
	PropAssignedClientIdentifier: propTypeString,
	PropServerKeepAlive:          propTypeTwoByteInt,
	PropAuthenticationMethod:     propTypeString,
	PropAuthenticationData:       propTypeBinary,
	PropRequestProblemInfo:       propTypeByte,
	PropWillDelayInterval:        propTypeFourByteInt,
	PropRequestResponseInfo:      propTypeByte,
	PropResponseInformation:      propTypeString,
	PropServerReference:          propTypeString,
	PropReasonString:             propTypeString,
	PropReceiveMaximum:           propTypeTwoByteInt,
	PropTopicAliasMaximum:        propTypeTwoByteInt,
	PropTopicAlias:               propTypeTwoByteInt,
	PropMaximumQoS:               propTypeByte,
	PropRetainAvailable:          propTypeByte,
	PropUserProperty:             propTypeStringPair,
	PropMaximumPacketSize:        propTypeFourByteInt,
	PropWildcardSubAvailable:     propTypeByte,
	PropSubscriptionIDAvailable:  propTypeByte,
	PropSharedSubAvailable:       propTypeByte,
}

// Property errors.
var (
	ErrUnknownPropertyID = errors.New("unknown property identifier")
)

// Properties is an ordered collection of MQTT v5 properties. The zero value
// is empty and ready to use. A nil *Properties behaves as empty for reads.
type Properties struct {
	props []property
}

type property struct {
	id    PropertyID
	value any
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.props)
}

// Has reports whether a property with the given ID is present.
func (p *Properties) Has(id PropertyID) bool {
	if p == nil {
		return false
	}
	for i := range p.props {
		if p.props[i].id == id {
			return true
		}
	}
	return false
}

// Get returns the first value for id, or nil.
func (p *Properties) Get(id PropertyID) any {
	if p == nil {
		return nil
	}
	for i := range p.props {
		if p.props[i].id == id {
			return p.props[i].value
		}
	}
	return nil
}

// GetAll returns every value for id. Used for properties that may repeat
// (user properties, subscription identifiers).
func (p *Properties) GetAll(id PropertyID) []any {
	if p == nil {
		return nil
	}
	var result []any
	for i := range p.props {
		if p.props[i].id == id {
			result = append(result, p.props[i].value)
		}
	}
	return result
}

// Set stores a value for id, replacing any existing value.
func (p *Properties) Set(id PropertyID, value any) {
	if p == nil {
		return
	}
	for i := range p.props {
		if p.props[i].id == id {
			p.props[i].value = value
			return
		}
	}
	p.props = append(p.props, property{id: id, value: value})
}

// Add appends a value for id without replacing. Use for repeatable
// properties.
func (p *Properties) Add(id PropertyID, value any) {
	if p == nil {
		return
	}
	p.props = append(p.props, property{id: id, value: value})
}

// Delete removes every property with the given ID.
func (p *Properties) Delete(id PropertyID) {
	if p == nil {
		return
	}
	n := 0
	for i := range p.props {
		if p.props[i].id != id {
			p.props[n] = p.props[i]
			n++
		}
	}
	p.props = p.props[:n]
}

// GetByte returns the byte value for id, or 0.
func (p *Properties) GetByte(id PropertyID) byte {
	if b, ok := p.Get(id).(byte); ok {
		return b
	}
	return 0
}

// GetUint16 returns the uint16 value for id, or 0.
func (p *Properties) GetUint16(id PropertyID) uint16 {
	if u, ok := p.Get(id).(uint16); ok {
		return u
	}
	return 0
}

// GetUint32 returns the uint32 value for id, or 0.
func (p *Properties) GetUint32(id PropertyID) uint32 {
	if u, ok := p.Get(id).(uint32); ok {
		return u
	}
	return 0
}

// GetString returns the string value for id, or "".
func (p *Properties) GetString(id PropertyID) string {
	if s, ok := p.Get(id).(string); ok {
		return s
	}
	return ""
}

// GetBinary returns the binary value for id, or nil.
func (p *Properties) GetBinary(id PropertyID) []byte {
	if b, ok := p.Get(id).([]byte); ok {
		return b
	}
	return nil
}

// GetAllStringPairs returns every string pair value for id.
func (p *Properties) GetAllStringPairs(id PropertyID) []StringPair {
	all := p.GetAll(id)
	if all == nil {
		return nil
	}
	result := make([]StringPair, 0, len(all))
	for _, v := range all {
		if sp, ok := v.(StringPair); ok {
			result = append(result, sp)
		}
	}
	return result
}

// GetAllVarInts returns every variable integer value for id.
func (p *Properties) GetAllVarInts(id PropertyID) []uint32 {
	all := p.GetAll(id)
	if all == nil {
		return nil
	}
	result := make([]uint32, 0, len(all))
	for _, v := range all {
		if u, ok := v.(uint32); ok {
			result = append(result, u)
		}
	}
	return result
}

// Encode writes the properties block: a varint length followed by each
// property.
func (p *Properties) Encode(w io.Writer) (int, error) {
	if p == nil || len(p.props) == 0 {
		return encodeVarint(w, 0)
	}

	n, err := encodeVarint(w, uint32(p.size()))
	if err != nil {
		return n, err
	}

	for i := range p.props {
		n2, err := encodeProperty(w, &p.props[i])
		n += n2
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func encodeProperty(w io.Writer, prop *property) (int, error) {
	n, err := w.Write([]byte{byte(prop.id)})
	if err != nil {
		return n, err
	}

	var n2 int
	switch propertyTypes[prop.id] {
	case propTypeByte:
		b, _ := prop.value.(byte)
		n2, err = w.Write([]byte{b})
	case propTypeTwoByteInt:
		v, _ := prop.value.(uint16)
		n2, err = writeUint16(w, v)
	case propTypeFourByteInt:
		v, _ := prop.value.(uint32)
		n2, err = writeUint32(w, v)
	case propTypeVarInt:
		v, _ := prop.value.(uint32)
		n2, err = encodeVarint(w, v)
	case propTypeString:
		s, _ := prop.value.(string)
		n2, err = encodeString(w, s)
	case propTypeBinary:
		b, _ := prop.value.([]byte)
		n2, err = encodeBinary(w, b)
	case propTypeStringPair:
		sp, _ := prop.value.(StringPair)
		n2, err = encodeStringPair(w, sp)
	}
	return n + n2, err
}

func (p *Properties) size() int {
	size := 0
	for i := range p.props {
		prop := &p.props[i]
		size++ // property ID
		switch propertyTypes[prop.id] {
		case propTypeByte:
			size++
		case propTypeTwoByteInt:
			size += 2
		case propTypeFourByteInt:
			size += 4
		case propTypeVarInt:
			v, _ := prop.value.(uint32)
			size += varintSize(v)
		case propTypeString:
			s, _ := prop.value.(string)
			size += 2 + len(s)
		case propTypeBinary:
			b, _ := prop.value.([]byte)
			size += 2 + len(b)
		case propTypeStringPair:
			sp, _ := prop.value.(StringPair)
			size += 2 + len(sp.Key) + 2 + len(sp.Value)
		}
	}
	return size
}

// Decode reads a properties block.
func (p *Properties) Decode(r io.Reader) (int, error) {
	length, n, err := decodeVarint(r)
	if err != nil {
		return n, err
	}
	if length == 0 {
		return n, nil
	}

	remaining := int(length)
	for remaining > 0 {
		idByte, n2, err := readByte(r)
		n += n2
		remaining -= n2
		if err != nil {
			return n, err
		}

		id := PropertyID(idByte)
		propType, ok := propertyTypes[id]
		if !ok {
			return n, ErrUnknownPropertyID
		}

		var value any
		var n3 int
		switch propType {
		case propTypeByte:
			var b byte
			b, n3, err = readByte(r)
			value = b
		case propTypeTwoByteInt:
			var v uint16
			v, n3, err = readUint16(r)
			value = v
		case propTypeFourByteInt:
			var v uint32
			v, n3, err = readUint32(r)
			value = v
		case propTypeVarInt:
			var v uint32
			v, n3, err = decodeVarint(r)
			value = v
		case propTypeString:
			var s string
			s, n3, err = decodeString(r)
			value = s
		case propTypeBinary:
			var b []byte
			b, n3, err = decodeBinary(r)
			value = b
		case propTypeStringPair:
			var sp StringPair
			sp, n3, err = decodeStringPair(r)
			value = sp
		}

		n += n3
		remaining -= n3
		if err != nil {
			return n, err
		}

		p.props = append(p.props, property{id: id, value: value})
	}

	return n, nil
}
