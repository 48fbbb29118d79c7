package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("verbose"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
}

func TestInitJSON(t *testing.T) {
	defer func() {
		Logger = zerolog.Nop()
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}()

	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	relayLog := WithComponent("relay")
	relayLog.Info().Msg("dropped")
	roomLog := WithRoomID("room-1")
	roomLog.Warn().Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "room-1", entry["room_id"])
	assert.Equal(t, "warn", entry["level"])
}
