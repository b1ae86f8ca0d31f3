package mqtt5

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertiesRoundTrip(t *testing.T) {
	var p Properties
	p.Set(PropSessionExpiryInterval, uint32(300))
	p.Set(PropReceiveMaximum, uint16(20))
	p.Set(PropPayloadFormatIndicator, byte(1))
	p.Set(PropContentType, "application/json")
	p.Set(PropCorrelationData, []byte{0x01, 0x02})
	p.Set(PropSubscriptionIdentifier, uint32(268435455))
	p.Add(PropUserProperty, StringPair{Key: "a", Value: "1"})
	p.Add(PropUserProperty, StringPair{Key: "b", Value: "2"})

	var buf bytes.Buffer
	_, err := p.Encode(&buf)
	require.NoError(t, err)

	var decoded Properties
	_, err = decoded.Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, uint32(300), decoded.GetUint32(PropSessionExpiryInterval))
	assert.Equal(t, uint16(20), decoded.GetUint16(PropReceiveMaximum))
	assert.Equal(t, byte(1), decoded.GetByte(PropPayloadFormatIndicator))
	assert.Equal(t, "application/json", decoded.GetString(PropContentType))
	assert.Equal(t, []byte{0x01, 0x02}, decoded.GetBinary(PropCorrelationData))
	assert.Equal(t, []uint32{268435455}, decoded.GetAllVarInts(PropSubscriptionIdentifier))
	assert.Equal(t, []StringPair{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}},
		decoded.GetAllStringPairs(PropUserProperty))
}

func TestPropertiesEmptyEncodesZeroLength(t *testing.T) {
	var p Properties
	var buf bytes.Buffer
	n, err := p.Encode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte{0x00}, buf.Bytes())
}

func TestPropertiesSetReplacesAddAppends(t *testing.T) {
	var p Properties
	p.Set(PropTopicAlias, uint16(1))
	p.Set(PropTopicAlias, uint16(2))
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, uint16(2), p.GetUint16(PropTopicAlias))

	p.Add(PropUserProperty, StringPair{Key: "x", Value: "1"})
	p.Add(PropUserProperty, StringPair{Key: "x", Value: "2"})
	assert.Equal(t, 3, p.Len())

	p.Delete(PropUserProperty)
	assert.Equal(t, 1, p.Len())
}

func TestPropertiesDecodeUnknownID(t *testing.T) {
	// Length 2, property ID 0xF0 (unregistered), one value byte.
	var decoded Properties
	_, err := decoded.Decode(bytes.NewReader([]byte{0x02, 0xF0, 0x00}))
	assert.ErrorIs(t, err, ErrUnknownPropertyID)
}

func TestNilPropertiesReads(t *testing.T) {
	var p *Properties
	assert.Zero(t, p.Len())
	assert.False(t, p.Has(PropTopicAlias))
	assert.Nil(t, p.Get(PropTopicAlias))
	assert.Zero(t, p.GetUint16(PropTopicAlias))
}
