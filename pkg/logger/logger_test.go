package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentFieldsAreStructured(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, true)
	SetLevel(INFO)
	t.Cleanup(func() { Configure(os.Stderr, false) })

	InfoCF("agent", "run finished", map[string]interface{}{"rounds": 2})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "agent", entry["component"])
	assert.Equal(t, "run finished", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.EqualValues(t, 2, entry["rounds"])
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, true)
	SetLevel(WARN)
	t.Cleanup(func() {
		SetLevel(INFO)
		Configure(os.Stderr, false)
	})

	DebugC("tools", "hidden")
	InfoC("tools", "hidden too")
	assert.Empty(t, buf.String())

	WarnC("tools", "visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, WARN, GetLevel())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("DEBUG"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, INFO, ParseLevel(""))
	assert.Equal(t, ERROR, ParseLevel(" error "))
}
