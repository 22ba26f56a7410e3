package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var out []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestAuditRecordAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	l.RecordAgentAction("linter", ActionCommandRun, "main.go", 150, true, "")
	l.RecordAgentAction("test-runner", ActionError, "pkg/server", 9000, false, "2 tests failing")
	l.RecordFindingReported("linter", "main.go", "ab12cd34")
	require.NoError(t, l.Close())

	entries := readEntries(t, filepath.Join(dir, "audit.log"))
	require.Len(t, entries, 3)

	assert.Equal(t, "linter", entries[0].Agent)
	assert.Equal(t, ActionCommandRun, entries[0].Action)
	assert.Equal(t, "main.go", entries[0].Target)
	assert.Equal(t, int64(150), entries[0].DurationMS)
	assert.True(t, entries[0].Success)
	assert.False(t, entries[0].Timestamp.IsZero())

	assert.False(t, entries[1].Success)
	assert.Equal(t, "2 tests failing", entries[1].Error)

	assert.Equal(t, ActionFindingReported, entries[2].Action)
	assert.Equal(t, "ab12cd34", entries[2].SHA256)
	assert.True(t, entries[2].Success)
}

func TestAuditSHA256OmittedWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	l.RecordFindingReported("linter", "", "")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sha256")
}

func TestAuditRecordAfterCloseIsNoop(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l.RecordAgentAction("linter", ActionCommandRun, "x", 0, true, "")
	entries := readEntries(t, filepath.Join(dir, "audit.log"))
	assert.Empty(t, entries)
}

func TestAuditPruneDropsExpiredEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	now := time.Now().UTC()
	l.Record(Entry{Timestamp: now.Add(-Retention - time.Hour), Agent: "old", Action: ActionCommandRun, Success: true})
	l.Record(Entry{Timestamp: now.Add(-time.Hour), Agent: "recent", Action: ActionCommandRun, Success: true})

	require.NoError(t, l.Prune(now))

	entries := readEntries(t, filepath.Join(dir, "audit.log"))
	require.Len(t, entries, 1)
	assert.Equal(t, "recent", entries[0].Agent)

	// The log keeps accepting writes after the prune rewrite.
	l.RecordAgentAction("after-prune", ActionCommandRun, "", 0, true, "")
	entries = readEntries(t, filepath.Join(dir, "audit.log"))
	assert.Len(t, entries, 2)
}

func TestAuditOpenPrunesExistingLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	stale := Entry{Timestamp: time.Now().UTC().Add(-Retention - time.Hour), Agent: "stale", Action: ActionCommandRun}
	fresh := Entry{Timestamp: time.Now().UTC(), Agent: "fresh", Action: ActionCommandRun, Success: true}
	var lines []byte
	for _, e := range []Entry{stale, fresh} {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		lines = append(lines, data...)
		lines = append(lines, '\n')
	}
	// Malformed lines are dropped too, not fatal.
	lines = append(lines, []byte("{garbage\n")...)
	require.NoError(t, os.WriteFile(path, lines, 0o644))

	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	entries := readEntries(t, path)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Agent)
}
