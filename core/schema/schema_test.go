package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deviceStateSchema = `{
	"$id": "device-state",
	"type": "object",
	"properties": {
		"network_settings.ip_method": { "type": "string" },
		"system_settings.led_enabled": { "type": "boolean" }
	}
}`

func TestValidateBytes(t *testing.T) {
	v, err := NewValidator([]string{deviceStateSchema})
	require.NoError(t, err)

	err = v.ValidateBytes([]byte(`{"network_settings.ip_method":"dhcp"}`), "device-state")
	assert.NoError(t, err)

	err = v.ValidateBytes([]byte(`{"network_settings.ip_method":42}`), "device-state")
	assert.Error(t, err)
}

func TestValidateStruct(t *testing.T) {
	v, err := NewValidator([]string{deviceStateSchema})
	require.NoError(t, err)

	err = v.ValidateStruct(map[string]interface{}{"system_settings.led_enabled": true}, "device-state")
	assert.NoError(t, err)

	err = v.ValidateStruct(map[string]interface{}{"system_settings.led_enabled": "yes"}, "device-state")
	assert.Error(t, err)
}

func TestHasSchema(t *testing.T) {
	v, err := NewValidator([]string{deviceStateSchema})
	require.NoError(t, err)

	assert.True(t, v.HasSchema("device-state"))
	assert.False(t, v.HasSchema("no-such-schema"))
}

func TestSchemaWithoutID(t *testing.T) {
	_, err := NewValidator([]string{`{"type":"object"}`})
	assert.Error(t, err)
}
