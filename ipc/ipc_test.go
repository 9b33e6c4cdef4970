package ipc

import (
	"os"
	"testing"
	"time"

	"github.com/agentpulse/agentpulse/apperr"
	"github.com/agentpulse/agentpulse/pathreg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournals(t *testing.T) *Journals {
	t.Helper()
	reg, err := pathreg.New(t.TempDir())
	require.NoError(t, err)
	return New(reg)
}

func TestAppendAndReadCommands(t *testing.T) {
	j := newTestJournals(t)
	require.NoError(t, j.AppendCommand(Command{ID: "1", Op: "send", IssuedAt: time.Now()}))
	require.NoError(t, j.AppendCommand(Command{ID: "2", Op: "status", IssuedAt: time.Now()}))

	cmds, err := j.ReadCommands()
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "send", cmds[0].Op)
	assert.Equal(t, "status", cmds[1].Op)
}

func TestSuccessAndFailureResultEnvelopes(t *testing.T) {
	ok := SuccessResult("cmd-1", map[string]any{"group_id": "g1"})
	assert.True(t, ok.OK)
	assert.Nil(t, ok.Error)

	appErr := apperr.New(apperr.InvalidPubkey, "pubkey must be 64 hex chars")
	fail := FailureResult("cmd-2", appErr)
	assert.False(t, fail.OK)
	require.NotNil(t, fail.Error)
	assert.Equal(t, "INVALID_PUBKEY", fail.Error.CodeKey)
	assert.False(t, fail.Error.Retryable)
}

func TestReadMessagesWithoutClearLeavesJournalIntact(t *testing.T) {
	j := newTestJournals(t)
	require.NoError(t, j.AppendMessage(Message{EventID: "e1", Kind: "direct", From: "a", Content: "hi", Timestamp: time.Now()}))

	first, err := j.ReadMessages(false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := j.ReadMessages(false)
	require.NoError(t, err)
	require.Len(t, second, 1)
}

func TestReadMessagesWithClearTrimsToMaxKeep(t *testing.T) {
	j := newTestJournals(t)
	for i := 0; i < MaxMessagesKeep+50; i++ {
		require.NoError(t, j.AppendMessage(Message{EventID: pathreg.NewID(), Kind: "direct", From: "a", Content: "hi", Timestamp: time.Now()}))
	}

	all, err := j.ReadMessages(true)
	require.NoError(t, err)
	assert.Len(t, all, MaxMessagesKeep+50)

	remaining, err := j.ReadMessages(false)
	require.NoError(t, err)
	assert.Len(t, remaining, MaxMessagesKeep)
}

func TestWriteAndReadHealth(t *testing.T) {
	j := newTestJournals(t)
	_, ok, err := j.ReadHealth()
	require.NoError(t, err)
	assert.False(t, ok)

	h := Health{PID: 123, StartedAt: time.Now(), LastTick: time.Now(), QueuePending: 2, RelaysUp: 3, RelaysTotal: 3}
	require.NoError(t, j.WriteHealth(h))

	got, ok, err := j.ReadHealth()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 123, got.PID)
	assert.Equal(t, 3, got.RelaysTotal)
}

func TestAcquirePIDFileRejectsSecondInstance(t *testing.T) {
	reg, err := pathreg.New(t.TempDir())
	require.NoError(t, err)

	release, err := AcquirePIDFile(reg)
	require.NoError(t, err)
	defer release()

	_, err = AcquirePIDFile(reg)
	require.Error(t, err)
}

func TestAcquirePIDFileReclaimsStalePID(t *testing.T) {
	reg, err := pathreg.New(t.TempDir())
	require.NoError(t, err)

	stalePath := reg.PIDFile()
	// PID 999999 is exceedingly unlikely to be a live process in any test
	// environment.
	require.NoError(t, os.WriteFile(stalePath, []byte("999999"), 0o600))

	release, err := AcquirePIDFile(reg)
	require.NoError(t, err)
	release()
}
