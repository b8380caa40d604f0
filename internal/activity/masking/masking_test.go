package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskKeypadCode(t *testing.T) {
	assert.Equal(t, "", MaskKeypadCode("  "))
	assert.Equal(t, "****", MaskKeypadCode("4821"))
	assert.Equal(t, "****14", MaskKeypadCode("583914"))
}

func TestMaskMetadataMasksOnlySensitiveKeys(t *testing.T) {
	masked := MaskMetadata(map[string]any{
		"device_id":   "lock-entrance",
		"keypad_code": "583914",
		"api_token":   "tok_1234567890",
		"nested":      map[string]any{"old_code": "771955"},
		" ":           "dropped",
	})

	assert.Equal(t, "lock-entrance", masked["device_id"])
	assert.Equal(t, "****14", masked["keypad_code"])
	assert.Equal(t, "****7890", masked["api_token"])
	assert.Equal(t, map[string]any{"old_code": "****55"}, masked["nested"])
	assert.NotContains(t, masked, " ")
	assert.Nil(t, MaskMetadata(nil))
}
