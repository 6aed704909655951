package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionIDNamespaces(t *testing.T) {
	remote := NewRemoteID("42")
	assert.False(t, remote.IsLocal())
	assert.False(t, remote.IsZero())

	v, err := remote.Remote()
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	local := NewLocalID(time.UnixMilli(1736000000000))
	assert.True(t, local.IsLocal())
	assert.Equal(t, "local-1736000000000", local.String())

	// 本地 ID 不能发往后端，由类型保证
	_, err = local.Remote()
	require.Error(t, err)
}

func TestParseSessionIDByPrefix(t *testing.T) {
	assert.True(t, ParseSessionID("local-123").IsLocal())
	assert.False(t, ParseSessionID("123").IsLocal())
	assert.True(t, ParseSessionID("").IsZero())

	_, err := ParseSessionID("").Remote()
	require.Error(t, err)
}

func TestSessionIDJSON(t *testing.T) {
	b, err := json.Marshal(NewRemoteID("7"))
	require.NoError(t, err)
	assert.Equal(t, `"7"`, string(b))

	var id SessionID
	require.NoError(t, json.Unmarshal([]byte(`"local-99"`), &id))
	assert.True(t, id.IsLocal())

	// 后端可能返回数字 ID
	require.NoError(t, json.Unmarshal([]byte(`42`), &id))
	assert.Equal(t, "42", id.String())
	assert.False(t, id.IsLocal())
}

func TestChatMessageFlagged(t *testing.T) {
	assert.False(t, ChatMessage{Role: RoleUser, Content: "x"}.Flagged())
	assert.True(t, ChatMessage{IsError: true}.Flagged())
	assert.True(t, ChatMessage{IsFallback: true}.Flagged())
}

func TestTimeStamps(t *testing.T) {
	at := time.Date(2026, 8, 30, 9, 5, 0, 0, time.UTC)
	assert.Equal(t, "09:05", ClockStamp(at))
	assert.Equal(t, "2026-08-30", DateStamp(at))
}
