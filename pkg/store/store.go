package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/metrics"
	"github.com/vigil-dev/vigil/pkg/models"
)

// Notifier is where the store announces degradation. The ingress queue
// satisfies it.
type Notifier interface {
	Publish(event models.Event)
}

// refreshInterval is how often scores are recomputed and retention applied,
// independent of writes. Freshness decays even when nothing happens.
const refreshInterval = time.Minute

type opKind int

const (
	opAdd opKind = iota
	opResolve
	opResolveFile
	opTouchUser
	opRefresh
	opFlush
)

type command struct {
	op      opKind
	finding models.Finding
	agent   string
	id      string
	path    string
	done    chan error
}

// Store is the tiered finding store. All mutations funnel through a single
// writer goroutine via a bounded command channel, so there are no write
// races by construction and the atomic file protocol has one author.
type Store struct {
	cfg      *config.StoreSettings
	dir      string
	notifier Notifier

	cmds   chan command
	stopCh chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	// Writer-owned state. Only the writer goroutine touches these.
	findings  map[string]*models.Finding
	userFiles []string
	dirty     bool
	degraded  bool

	// snapshot is rebuilt by the writer after every batch; readers copy
	// from it without ever touching writer state.
	snapMu       sync.RWMutex
	snapshot     map[models.Tier][]*models.Finding
	snapIdx      Index
	snapDegraded bool
}

// New creates a store persisting under stateDir/context.
func New(cfg *config.StoreSettings, stateDir string, notifier Notifier) *Store {
	return &Store{
		cfg:      cfg,
		dir:      filepath.Join(stateDir, "context"),
		notifier: notifier,
		cmds:     make(chan command, cfg.CommandBuffer),
		stopCh:   make(chan struct{}),
		findings: make(map[string]*models.Finding),
		snapshot: make(map[models.Tier][]*models.Finding),
	}
}

// Start loads persisted state and launches the writer goroutine.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		slog.Warn("Context store already started, ignoring duplicate Start call")
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating context dir: %w", err)
	}
	if err := s.load(); err != nil {
		return fmt.Errorf("loading context store: %w", err)
	}

	s.rescoreAll(time.Now())
	s.publishSnapshot(time.Now())

	s.wg.Add(1)
	go s.writer()

	slog.Info("Context store started",
		"dir", s.dir,
		"mode", s.cfg.Mode,
		"findings", len(s.findings))
	return nil
}

// Stop flushes pending mutations and persists a final time.
func (s *Store) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	slog.Info("Context store stopped", "findings", len(s.findings))
}

// Add submits one finding. Writes from an already-cancelled scope are
// rejected: a cancelled agent invocation must not leave partial state.
func (s *Store) Add(ctx context.Context, finding models.Finding) error {
	if err := finding.Validate(); err != nil {
		return err
	}
	finding.EnsureID()
	return s.submit(ctx, command{op: opAdd, finding: finding})
}

// Resolve removes one finding previously reported by the agent.
func (s *Store) Resolve(ctx context.Context, agent, findingID string) error {
	return s.submit(ctx, command{op: opResolve, agent: agent, id: findingID})
}

// ResolveForFile removes every finding the agent reported against a file.
// Used when an agent re-examines a file and finds it clean.
func (s *Store) ResolveForFile(ctx context.Context, agent, path string) error {
	return s.submit(ctx, command{op: opResolveFile, agent: agent, path: path})
}

// TouchUserFile records recent user activity on a path, feeding the
// user-context scoring weight.
func (s *Store) TouchUserFile(path string) {
	_ = s.submit(context.Background(), command{op: opTouchUser, path: path})
}

// Refresh forces a rescore outside the periodic cycle.
func (s *Store) Refresh() {
	_ = s.submit(context.Background(), command{op: opRefresh})
}

// Flush blocks until every mutation submitted before it is persisted.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	if err := s.submit(ctx, command{op: opFlush, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tier returns a copy of the findings in a tier, highest relevance first.
func (s *Store) Tier(tier models.Tier) []models.Finding {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	out := make([]models.Finding, 0, len(s.snapshot[tier]))
	for _, f := range s.snapshot[tier] {
		out = append(out, *f)
	}
	return out
}

// Index returns the current summary.
func (s *Store) Index() Index {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapIdx
}

// Degraded reports whether persistence is currently failing.
func (s *Store) Degraded() bool {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapDegraded
}

// submit enqueues a command, applying backpressure when the buffer is full.
func (s *Store) submit(ctx context.Context, cmd command) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store write rejected: %w", err)
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("store write rejected: %w", ctx.Err())
	case <-s.stopCh:
		return fmt.Errorf("store stopped")
	}
}

// writer is the single mutation goroutine. Commands are applied in arrival
// order; persistence batches whatever is queued behind the first command.
func (s *Store) writer() {
	defer s.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-s.cmds:
			s.apply(cmd)
			s.drainPending()
			s.maybePersist()
		case <-ticker.C:
			now := time.Now()
			s.rescoreAll(now)
			s.evict(now)
			s.maybePersist()
		case <-s.stopCh:
			for {
				select {
				case cmd := <-s.cmds:
					s.apply(cmd)
				default:
					s.rescoreAll(time.Now())
					s.persist()
					return
				}
			}
		}
	}
}

func (s *Store) drainPending() {
	for i := 0; i < cap(s.cmds); i++ {
		select {
		case cmd := <-s.cmds:
			s.apply(cmd)
		default:
			return
		}
	}
}

func (s *Store) apply(cmd command) {
	now := time.Now()
	switch cmd.op {
	case opAdd:
		s.applyAdd(cmd.finding, now)
	case opResolve:
		if f, ok := s.findings[cmd.id]; ok && (cmd.agent == "" || f.Agent == cmd.agent) {
			delete(s.findings, cmd.id)
			metrics.StoreWrites.WithLabelValues("resolve").Inc()
			s.dirty = true
		}
	case opResolveFile:
		for id, f := range s.findings {
			if f.Agent == cmd.agent && f.File == cmd.path {
				delete(s.findings, id)
				metrics.StoreWrites.WithLabelValues("resolve").Inc()
				s.dirty = true
			}
		}
	case opTouchUser:
		s.touchUser(cmd.path)
		s.rescoreAll(now)
	case opRefresh:
		s.rescoreAll(now)
	case opFlush:
		s.rescoreAll(now)
		err := s.persist()
		if cmd.done != nil {
			cmd.done <- err
		}
	}
}

// applyAdd inserts or merges one finding. A re-report of a known finding
// bumps the occurrence count, refreshes the timestamp (the condition was
// just re-confirmed), and takes the newest message text.
func (s *Store) applyAdd(finding models.Finding, now time.Time) {
	if existing, ok := s.findings[finding.ID]; ok {
		existing.Occurrences++
		if !finding.Timestamp.IsZero() {
			existing.Timestamp = finding.Timestamp
		}
		existing.Message = finding.Message
		existing.Detail = finding.Detail
		existing.SuggestedFix = finding.SuggestedFix
		existing.Severity = finding.Severity
		existing.Blocking = finding.Blocking
		existing.AutoFixable = finding.AutoFixable
		existing.AutoFixed = finding.AutoFixed
		existing.Tags = finding.Tags
		s.rescore(existing, now)
		metrics.StoreWrites.WithLabelValues("merge").Inc()
	} else {
		f := finding
		if f.Occurrences == 0 {
			f.Occurrences = 1
		}
		if f.Timestamp.IsZero() {
			f.Timestamp = now
		}
		s.rescore(&f, now)
		s.findings[f.ID] = &f
		metrics.StoreWrites.WithLabelValues("add").Inc()
	}
	s.dirty = true
}

func (s *Store) touchUser(path string) {
	for i, p := range s.userFiles {
		if p == path {
			s.userFiles = append(s.userFiles[:i], s.userFiles[i+1:]...)
			break
		}
	}
	s.userFiles = append(s.userFiles, path)
	if len(s.userFiles) > s.cfg.UserContextSize {
		s.userFiles = s.userFiles[len(s.userFiles)-s.cfg.UserContextSize:]
	}
}

// userWeight resolves the user-context scoring level for a path: full weight
// inside the activity window, reduced outside it, and the neutral middle
// while no activity has been observed at all.
func (s *Store) userWeight(path string) float64 {
	if len(s.userFiles) == 0 {
		return userWeightNoSignal
	}
	if path != "" {
		for _, p := range s.userFiles {
			if p == path {
				return userWeightTouched
			}
		}
	}
	return userWeightUntouched
}

func (s *Store) rescore(f *models.Finding, now time.Time) {
	f.RelevanceScore = score(f, now, s.cfg.FreshnessTau, s.userWeight(f.File))
	f.Tier = assignTier(f, f.RelevanceScore, s.cfg.Mode)
}

func (s *Store) rescoreAll(now time.Time) {
	for _, f := range s.findings {
		s.rescore(f, now)
	}
	s.dirty = true
}

// evict applies retention: per-tier age limits, then per-tier count
// ceilings dropping the lowest-scored (oldest first on ties).
func (s *Store) evict(now time.Time) {
	for id, f := range s.findings {
		maxAge, ok := s.cfg.MaxAge[f.Tier]
		if ok && now.Sub(f.Timestamp) > maxAge {
			delete(s.findings, id)
			metrics.StoreWrites.WithLabelValues("evict").Inc()
			s.dirty = true
		}
	}

	byTier := s.tiered()
	for tier, list := range byTier {
		max, ok := s.cfg.PerTierMax[tier]
		if !ok || len(list) <= max {
			continue
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].RelevanceScore != list[j].RelevanceScore {
				return list[i].RelevanceScore < list[j].RelevanceScore
			}
			return list[i].Timestamp.Before(list[j].Timestamp)
		})
		for _, f := range list[:len(list)-max] {
			delete(s.findings, f.ID)
			metrics.StoreWrites.WithLabelValues("evict").Inc()
			s.dirty = true
		}
	}
}

func (s *Store) tiered() map[models.Tier][]*models.Finding {
	out := make(map[models.Tier][]*models.Finding)
	for _, f := range s.findings {
		out[f.Tier] = append(out[f.Tier], f)
	}
	return out
}

func (s *Store) maybePersist() {
	if s.dirty {
		_ = s.persist()
	}
}

// persist writes every tier file plus the index atomically, then publishes
// a fresh read snapshot. A write failure is retried once; failing twice
// flips the store into degraded mode — findings stay safe in memory and a
// store.degraded event is announced.
func (s *Store) persist() error {
	now := time.Now()
	tiers := s.tiered()

	err := s.writeAll(tiers, now)
	if err != nil {
		slog.Warn("Context store write failed, retrying once", "error", err)
		err = s.writeAll(tiers, now)
	}

	if err != nil {
		if !s.degraded {
			s.degraded = true
			slog.Error("Context store degraded, holding findings in memory", "error", err)
			if s.notifier != nil {
				s.notifier.Publish(models.NewEvent(models.EventStoreDegraded, "store", map[string]any{
					"error": err.Error(),
				}))
			}
		}
	} else {
		if s.degraded {
			slog.Info("Context store recovered, persistence restored")
		}
		s.degraded = false
		s.dirty = false
	}

	s.publishSnapshot(now)
	return err
}

// writeAll persists each tier as a bare JSON array, newest first, so any
// external reader can consume it without knowing our types. The write time
// lives in index.json's last_updated.
func (s *Store) writeAll(tiers map[models.Tier][]*models.Finding, now time.Time) error {
	for _, tier := range models.AllTiers() {
		list := append([]*models.Finding(nil), tiers[tier]...)
		sort.Slice(list, func(i, j int) bool {
			if !list[i].Timestamp.Equal(list[j].Timestamp) {
				return list[i].Timestamp.After(list[j].Timestamp)
			}
			return list[i].ID < list[j].ID
		})
		out := make([]models.Finding, 0, len(list))
		for _, f := range list {
			out = append(out, *f)
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding %s tier: %w", tier, err)
		}
		if err := writeFileAtomic(s.tierPath(tier), data); err != nil {
			return fmt.Errorf("writing %s tier: %w", tier, err)
		}
	}

	idx := buildIndex(tiers, now)
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, "index.json"), data); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

// publishSnapshot rebuilds the reader-visible view.
func (s *Store) publishSnapshot(now time.Time) {
	snap := make(map[models.Tier][]*models.Finding)
	for _, f := range s.findings {
		c := *f
		snap[c.Tier] = append(snap[c.Tier], &c)
	}
	for _, list := range snap {
		sort.Slice(list, func(i, j int) bool {
			return list[i].RelevanceScore > list[j].RelevanceScore
		})
	}
	idx := buildIndex(snap, now)

	for _, tier := range models.AllTiers() {
		metrics.StoreFindings.WithLabelValues(string(tier)).Set(float64(len(snap[tier])))
	}

	s.snapMu.Lock()
	s.snapshot = snap
	s.snapIdx = idx
	s.snapDegraded = s.degraded
	s.snapMu.Unlock()
}

// load rebuilds the in-memory map from the tier files, using the .bak
// generation when a primary is unreadable.
func (s *Store) load() error {
	for _, tier := range models.AllTiers() {
		var findings []models.Finding
		err := readJSONWithFallback(s.tierPath(tier), &findings)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("loading %s tier: %w", tier, err)
		}
		for i := range findings {
			f := findings[i]
			s.findings[f.ID] = &f
		}
	}
	return nil
}

func (s *Store) tierPath(tier models.Tier) string {
	return filepath.Join(s.dir, string(tier)+".json")
}
