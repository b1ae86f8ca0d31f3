package mqtt5

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	tests := []struct {
		value uint32
		size  int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{268435455, 4},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		n, err := encodeVarint(&buf, tt.value)
		require.NoError(t, err, "value %d", tt.value)
		assert.Equal(t, tt.size, n, "encoded size of %d", tt.value)
		assert.Equal(t, tt.size, varintSize(tt.value))

		decoded, n2, err := decodeVarint(&buf)
		require.NoError(t, err, "value %d", tt.value)
		assert.Equal(t, tt.value, decoded)
		assert.Equal(t, tt.size, n2)
	}
}

func TestVarintEncodeTooLarge(t *testing.T) {
	var buf bytes.Buffer
	_, err := encodeVarint(&buf, 268435456)
	assert.ErrorIs(t, err, ErrVarintTooLarge)
}

func TestVarintDecodeRejectsFiveBytes(t *testing.T) {
	_, _, err := decodeVarint(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x01}))
	assert.Error(t, err)
}

func TestVarintDecodeRejectsContinuationOnFourthByte(t *testing.T) {
	_, _, err := decodeVarint(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F}))
	assert.Error(t, err)
}

func TestStringRoundTrip(t *testing.T) {
	tests := []string{"", "a", "test/topic", "sensor/temperatur/C"}

	for _, s := range tests {
		var buf bytes.Buffer
		_, err := encodeString(&buf, s)
		require.NoError(t, err)

		decoded, _, err := decodeString(&buf)
		require.NoError(t, err)
		assert.Equal(t, s, decoded)
	}
}

func TestStringRejectsInvalidUTF8(t *testing.T) {
	var buf bytes.Buffer
	_, err := encodeString(&buf, string([]byte{0xFF, 0xFE}))
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestStringRejectsNull(t *testing.T) {
	var buf bytes.Buffer
	_, err := encodeString(&buf, "a\x00b")
	assert.ErrorIs(t, err, ErrStringContainsNull)
}

func TestBinaryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := []byte{0x01, 0x02, 0x00, 0xFF}
	_, err := encodeBinary(&buf, data)
	require.NoError(t, err)

	decoded, _, err := decodeBinary(&buf)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestStringPairRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pair := StringPair{Key: "region", Value: "eu-west-1"}
	_, err := encodeStringPair(&buf, pair)
	require.NoError(t, err)

	decoded, _, err := decodeStringPair(&buf)
	require.NoError(t, err)
	assert.Equal(t, pair, decoded)
}
