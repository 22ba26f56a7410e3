package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/models"
)

func testStoreSettings() *config.StoreSettings {
	return &config.StoreSettings{
		Mode: config.StoreModeBalanced,
		PerTierMax: map[models.Tier]int{
			models.TierImmediate:  50,
			models.TierRelevant:   50,
			models.TierBackground: 50,
			models.TierAutoFixed:  50,
		},
		MaxAge: map[models.Tier]time.Duration{
			models.TierImmediate:  24 * time.Hour,
			models.TierRelevant:   24 * time.Hour,
			models.TierBackground: 24 * time.Hour,
			models.TierAutoFixed:  24 * time.Hour,
		},
		FreshnessTau:    time.Hour,
		UserContextSize: 3,
		CommandBuffer:   16,
	}
}

func startTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s := New(testStoreSettings(), dir, nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func blockingFinding(id, agent, file string) models.Finding {
	return models.Finding{
		ID:       id,
		Agent:    agent,
		File:     file,
		Message:  "tests failing",
		Severity: models.SeverityError,
		Scope:    models.ScopeModule,
		Blocking: true,
	}
}

func TestStoreAddSurfacesBlockingImmediately(t *testing.T) {
	s := startTestStore(t, t.TempDir())

	require.NoError(t, s.Add(context.Background(), blockingFinding("f-1", "test-runner", "a.go")))
	require.NoError(t, s.Flush(context.Background()))

	got := s.Tier(models.TierImmediate)
	require.Len(t, got, 1)
	assert.Equal(t, "f-1", got[0].ID)
	assert.Equal(t, models.TierImmediate, got[0].Tier)
	assert.Equal(t, 1, got[0].Occurrences)

	idx := s.Index()
	assert.Equal(t, 1, idx.CheckNow.Count)
	assert.Equal(t, []string{"a.go"}, idx.CheckNow.Files)
}

func TestStoreAddRejectsInvalidFinding(t *testing.T) {
	s := startTestStore(t, t.TempDir())

	bad := models.Finding{Agent: "linter", Message: "m", Severity: "nope", Scope: models.ScopeFile}
	assert.Error(t, s.Add(context.Background(), bad))
}

func TestStoreDedupMergesOccurrences(t *testing.T) {
	s := startTestStore(t, t.TempDir())

	now := time.Now().UTC()
	first := blockingFinding("f-1", "test-runner", "a.go")
	first.Message = "2 tests failing"
	first.Timestamp = now.Add(-time.Minute)
	require.NoError(t, s.Add(context.Background(), first))
	require.NoError(t, s.Flush(context.Background()))

	second := blockingFinding("f-1", "test-runner", "a.go")
	second.Message = "3 tests failing"
	second.Severity = models.SeverityCritical
	second.Timestamp = now
	require.NoError(t, s.Add(context.Background(), second))
	require.NoError(t, s.Flush(context.Background()))

	got := s.Tier(models.TierImmediate)
	require.Len(t, got, 1)
	// Re-reports bump occurrences, refresh the timestamp, and take the
	// newest text.
	assert.Equal(t, 2, got[0].Occurrences)
	assert.Equal(t, "3 tests failing", got[0].Message)
	assert.Equal(t, models.SeverityCritical, got[0].Severity)
	assert.Equal(t, now, got[0].Timestamp)
}

func TestStoreResolve(t *testing.T) {
	s := startTestStore(t, t.TempDir())

	require.NoError(t, s.Add(context.Background(), blockingFinding("f-1", "test-runner", "a.go")))
	require.NoError(t, s.Flush(context.Background()))

	// A different agent cannot resolve someone else's finding.
	require.NoError(t, s.Resolve(context.Background(), "linter", "f-1"))
	require.NoError(t, s.Flush(context.Background()))
	assert.Len(t, s.Tier(models.TierImmediate), 1)

	require.NoError(t, s.Resolve(context.Background(), "test-runner", "f-1"))
	require.NoError(t, s.Flush(context.Background()))
	assert.Empty(t, s.Tier(models.TierImmediate))
}

func TestStoreResolveForFile(t *testing.T) {
	s := startTestStore(t, t.TempDir())

	require.NoError(t, s.Add(context.Background(), blockingFinding("f-1", "linter", "a.go")))
	require.NoError(t, s.Add(context.Background(), blockingFinding("f-2", "linter", "a.go")))
	require.NoError(t, s.Add(context.Background(), blockingFinding("f-3", "linter", "b.go")))
	require.NoError(t, s.ResolveForFile(context.Background(), "linter", "a.go"))
	require.NoError(t, s.Flush(context.Background()))

	got := s.Tier(models.TierImmediate)
	require.Len(t, got, 1)
	assert.Equal(t, "b.go", got[0].File)
}

func TestStoreUserContextPromotesTier(t *testing.T) {
	s := startTestStore(t, t.TempDir())

	// A fresh error/file finding with no activity signal scores
	// 0.40*0.8 + 0.25*0.6 + 0.20 + 0.15*0.5 = 0.745: relevant under
	// balanced thresholds.
	f := models.Finding{
		ID:       "f-1",
		Agent:    "linter",
		File:     "hot.go",
		Message:  "nil dereference",
		Severity: models.SeverityError,
		Scope:    models.ScopeFile,
	}
	require.NoError(t, s.Add(context.Background(), f))
	require.NoError(t, s.Flush(context.Background()))
	require.Len(t, s.Tier(models.TierRelevant), 1)

	// Touching the file lifts the user-context component to full weight:
	// 0.82 crosses the 0.75 immediate threshold.
	s.TouchUserFile("hot.go")
	require.NoError(t, s.Flush(context.Background()))
	assert.Empty(t, s.Tier(models.TierRelevant))
	require.Len(t, s.Tier(models.TierImmediate), 1)
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := New(testStoreSettings(), dir, nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Add(context.Background(), blockingFinding("f-1", "test-runner", "a.go")))
	require.NoError(t, s.Flush(context.Background()))
	s.Stop(context.Background())

	reopened := startTestStore(t, dir)
	got := reopened.Tier(models.TierImmediate)
	require.Len(t, got, 1)
	assert.Equal(t, "f-1", got[0].ID)
}

func TestStoreLoadFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()

	s := New(testStoreSettings(), dir, nil)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Add(context.Background(), blockingFinding("f-1", "test-runner", "a.go")))
	require.NoError(t, s.Flush(context.Background()))
	s.Stop(context.Background())

	// Simulate a torn write: primary corrupt, previous generation intact.
	primary := filepath.Join(dir, "context", "immediate.json")
	require.NoError(t, os.Rename(primary, primary+".bak"))
	require.NoError(t, os.WriteFile(primary, []byte("{not json"), 0o644))

	reopened := startTestStore(t, dir)
	got := reopened.Tier(models.TierImmediate)
	require.Len(t, got, 1)
	assert.Equal(t, "f-1", got[0].ID)
}

func TestStoreRejectsCancelledContext(t *testing.T) {
	s := startTestStore(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Add(ctx, blockingFinding("f-1", "test-runner", "a.go"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store write rejected")
}

func TestStoreTierFilesOnDisk(t *testing.T) {
	dir := t.TempDir()
	s := startTestStore(t, dir)

	now := time.Now().UTC()
	older := blockingFinding("f-old", "test-runner", "a.go")
	older.Timestamp = now.Add(-time.Minute)
	newer := blockingFinding("f-new", "test-runner", "b.go")
	newer.Timestamp = now
	require.NoError(t, s.Add(context.Background(), older))
	require.NoError(t, s.Add(context.Background(), newer))
	require.NoError(t, s.Flush(context.Background()))

	// Tier files are bare JSON arrays, newest first; the write time lives
	// in index.json.
	var findings []models.Finding
	data, err := os.ReadFile(filepath.Join(dir, "context", "immediate.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &findings))
	require.Len(t, findings, 2)
	assert.Equal(t, "f-new", findings[0].ID)
	assert.Equal(t, "f-old", findings[1].ID)

	var idx Index
	data, err = os.ReadFile(filepath.Join(dir, "context", "index.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &idx))
	assert.Equal(t, 2, idx.CheckNow.Count)
	assert.False(t, idx.LastUpdated.IsZero())
}

func TestStoreEvictionByCount(t *testing.T) {
	// Writer-owned state is exercised directly: eviction runs on the
	// refresh tick, not per write.
	cfg := testStoreSettings()
	cfg.PerTierMax[models.TierImmediate] = 2
	s := New(cfg, t.TempDir(), nil)

	now := time.Now()
	for i, id := range []string{"f-low", "f-mid", "f-high"} {
		f := blockingFinding(id, "test-runner", "a.go")
		// Older findings lose ties; spacing the timestamps also spreads
		// the freshness component.
		f.Timestamp = now.Add(-time.Duration(3-i) * time.Hour)
		s.applyAdd(f, now)
	}
	s.evict(now)

	assert.Len(t, s.findings, 2)
	_, ok := s.findings["f-low"]
	assert.False(t, ok, "lowest-scored finding should be evicted first")
}

func TestStoreEvictionByAge(t *testing.T) {
	cfg := testStoreSettings()
	cfg.MaxAge[models.TierImmediate] = time.Hour
	s := New(cfg, t.TempDir(), nil)

	now := time.Now()
	fresh := blockingFinding("f-fresh", "test-runner", "a.go")
	fresh.Timestamp = now.Add(-time.Minute)
	stale := blockingFinding("f-stale", "test-runner", "b.go")
	stale.Timestamp = now.Add(-2 * time.Hour)
	s.applyAdd(fresh, now)
	s.applyAdd(stale, now)

	s.evict(now)

	assert.Len(t, s.findings, 1)
	_, ok := s.findings["f-fresh"]
	assert.True(t, ok)
}

func TestStoreUserContextWindow(t *testing.T) {
	cfg := testStoreSettings()
	cfg.UserContextSize = 2
	s := New(cfg, t.TempDir(), nil)

	s.touchUser("a.go")
	s.touchUser("b.go")
	s.touchUser("c.go")
	assert.Equal(t, []string{"b.go", "c.go"}, s.userFiles)

	// Re-touching moves a file to the front of the window, not a duplicate.
	s.touchUser("b.go")
	assert.Equal(t, []string{"c.go", "b.go"}, s.userFiles)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (n *recordingNotifier) Publish(event models.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func TestStoreDegradesWhenPersistenceFails(t *testing.T) {
	dir := t.TempDir()
	notifier := &recordingNotifier{}
	s := New(testStoreSettings(), dir, notifier)
	require.NoError(t, s.Start(context.Background()))

	// Replace the context directory with a file so every write fails.
	s.Stop(context.Background())
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "context")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "context"), []byte("x"), 0o644))

	s2 := New(testStoreSettings(), dir, notifier)
	// Start fails to create the directory, so drive the writer state
	// directly instead.
	s2.applyAdd(blockingFinding("f-1", "test-runner", "a.go"), time.Now())
	err := s2.persist()
	require.Error(t, err)
	assert.True(t, s2.degraded)

	// Findings stay readable from the snapshot while degraded.
	assert.Len(t, s2.Tier(models.TierImmediate), 1)
	assert.True(t, s2.Degraded())

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.events, 1)
	assert.Equal(t, models.EventStoreDegraded, notifier.events[0].Type)
}

func TestWriteFileAtomicKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(current))

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, "one", string(backup))
}

func TestReadJSONWithFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")

	require.NoError(t, os.WriteFile(path+".bak", []byte(`{"ok":true}`), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0o644))

	var v map[string]bool
	require.NoError(t, readJSONWithFallback(path, &v))
	assert.True(t, v["ok"])

	var missing map[string]bool
	err := readJSONWithFallback(filepath.Join(dir, "absent.json"), &missing)
	assert.True(t, os.IsNotExist(err))
}
