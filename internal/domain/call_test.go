package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionID_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"u_9", "u_10"},
		{"same", "same"},
	}
	for _, p := range pairs {
		assert.Equal(t, SessionID(p[0], p[1]), SessionID(p[1], p[0]))
	}
	assert.Equal(t, "alice_bob", SessionID("bob", "alice"))
}

func TestSessionID_SeparatorInIDs(t *testing.T) {
	assert.NotEqual(t, SessionID("a_b", "c"), SessionID("a", "b_c"))
	assert.NotEqual(t, SessionID("a%5Fb", "c"), SessionID("a_b", "c"))
	assert.Equal(t, "u%5F10_u%5F9", SessionID("u_9", "u_10"))
}

func TestDurationSeconds(t *testing.T) {
	answered := time.Date(2024, 1, 1, 10, 0, 1, 0, time.UTC)
	ended := answered.Add(10*time.Second + 900*time.Millisecond)

	d := DurationSeconds(&answered, &ended)
	require.NotNil(t, d)
	assert.Equal(t, int64(10), *d)

	assert.Nil(t, DurationSeconds(nil, &ended))
	assert.Nil(t, DurationSeconds(&answered, nil))

	// Clock skew between parties must never yield a negative duration
	before := answered.Add(-3 * time.Second)
	d = DurationSeconds(&answered, &before)
	require.NotNil(t, d)
	assert.Equal(t, int64(0), *d)
}

func TestCallPatch_Monotonic(t *testing.T) {
	first := time.Unix(100, 0)
	second := time.Unix(200, 0)
	rec := &CallRecord{ID: "c1"}

	changed := CallPatch{Answered: true, AnsweredAt: &first}.Apply(rec)
	assert.True(t, changed)
	assert.True(t, rec.Answered)

	// A later writer cannot move the timestamp or clear the flag
	changed = CallPatch{AnsweredAt: &second}.Apply(rec)
	assert.False(t, changed)
	assert.Equal(t, first, *rec.AnsweredAt)

	CallPatch{Ended: true, EndedBy: "alice"}.Apply(rec)
	CallPatch{EndedBy: "bob"}.Apply(rec)
	assert.True(t, rec.Ended)
	assert.Equal(t, "alice", rec.EndedBy)
	assert.True(t, rec.Answered)
}

func TestCallRecord_MergeKeepsFlags(t *testing.T) {
	rec := &CallRecord{ID: "c1", Answered: true}
	rec.Merge(&CallRecord{ID: "c1", Declined: true})

	assert.True(t, rec.Answered)
	assert.True(t, rec.Declined)
}

func TestCallFilter_Matches(t *testing.T) {
	f := CallFilter{ToID: "bob", FromID: "alice"}

	assert.True(t, f.Matches(&CallRecord{FromID: "alice", ToID: "bob"}))
	assert.False(t, f.Matches(&CallRecord{FromID: "carol", ToID: "bob"}))
	assert.False(t, f.Matches(&CallRecord{FromID: "alice", ToID: "bob", Answered: true}))
	assert.False(t, f.Matches(&CallRecord{FromID: "alice", ToID: "bob", Ended: true}))
	assert.False(t, f.Matches(nil))

	anyCaller := CallFilter{ToID: "bob"}
	assert.True(t, anyCaller.Matches(&CallRecord{FromID: "carol", ToID: "bob"}))
}

func TestChatMessage_Preview(t *testing.T) {
	file := &ChatMessage{Type: MessageTypeFile, FileName: "notes.pdf"}
	assert.Equal(t, "notes.pdf", file.Preview())

	img := &ChatMessage{Type: MessageTypeImage}
	assert.Equal(t, "Photo", img.Preview())

	call := &ChatMessage{Type: MessageTypeVideoCall, Content: "Missed call"}
	assert.True(t, call.IsCallSummary())
	assert.Equal(t, "Missed call", call.Preview())
}
