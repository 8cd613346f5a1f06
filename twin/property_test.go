package twin

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValue(t *testing.T) {
	v, err := DecodeValue(Bool, json.RawMessage(`true`))
	require.NoError(t, err)
	assert.True(t, v.Equal(BoolValue(true)))

	v, err = DecodeValue(Int, json.RawMessage(`42`))
	require.NoError(t, err)
	assert.True(t, v.Equal(IntValue(42)))

	_, err = DecodeValue(Int, json.RawMessage(`4.5`))
	assert.Error(t, err)

	v, err = DecodeValue(Float, json.RawMessage(`4.5`))
	require.NoError(t, err)
	assert.True(t, v.Equal(FloatValue(4.5)))

	v, err = DecodeValue(Enum, json.RawMessage(`"dhcp"`))
	require.NoError(t, err)
	assert.True(t, v.Equal(EnumValue("dhcp")))

	v, err = DecodeValue(Blob, json.RawMessage(`"aGVsbG8="`))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v.Blob())

	_, err = DecodeValue(Blob, json.RawMessage(`"%%%"`))
	assert.Error(t, err)
}

func TestInferValue(t *testing.T) {
	v, err := InferValue(json.RawMessage(`true`))
	require.NoError(t, err)
	assert.Equal(t, Bool, v.Kind())

	v, err = InferValue(json.RawMessage(`7`))
	require.NoError(t, err)
	assert.Equal(t, Int, v.Kind())

	v, err = InferValue(json.RawMessage(`7.5`))
	require.NoError(t, err)
	assert.Equal(t, Float, v.Kind())

	v, err = InferValue(json.RawMessage(`{"nested":1}`))
	require.NoError(t, err)
	assert.Equal(t, Text, v.Kind())
}

func TestValueEqual(t *testing.T) {
	assert.True(t, IntValue(1).Equal(IntValue(1)))
	assert.False(t, IntValue(1).Equal(IntValue(2)))
	assert.False(t, IntValue(1).Equal(FloatValue(1)))
	assert.False(t, TextValue("a").Equal(EnumValue("a")))
	assert.True(t, BlobValue([]byte{1, 2}).Equal(BlobValue([]byte{1, 2})))
	assert.True(t, Value{}.Equal(Value{}))
}

func TestValueEncodeRoundTrip(t *testing.T) {
	for _, v := range []Value{
		BoolValue(true), IntValue(-3), FloatValue(2.25), TextValue("x"),
		EnumValue("static"), BlobValue([]byte{0xde, 0xad}),
	} {
		raw, err := v.EncodeJSON()
		require.NoError(t, err)
		decoded, err := DecodeValue(v.Kind(), raw)
		require.NoError(t, err)
		assert.True(t, v.Equal(decoded), v.String())
	}

	_, err := Value{}.EncodeJSON()
	assert.Error(t, err)
}

func TestSchemaValidate(t *testing.T) {
	schema := DefaultSchema()

	assert.NoError(t, schema.Validate("network_settings.ip_method", EnumValue("dhcp")))
	assert.ErrorIs(t, schema.Validate("nope", TextValue("")), ErrUnknownPath)
	assert.ErrorIs(t, schema.Validate("network_settings.ip_method", EnumValue("nope")), ErrSchemaViolation)
	assert.ErrorIs(t, schema.Validate("agent.report_status_interval_min", IntValue(0)), ErrSchemaViolation)
	assert.NoError(t, schema.Validate("agent.report_status_interval_min", IntValue(5)))
}
