// Package audit maintains the append-only JSONL trail of agent actions at
// <state_dir>/audit.log. One line per action; entries older than the
// retention window are pruned at open and once a day thereafter.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Retention is how long audit entries are kept.
const Retention = 30 * 24 * time.Hour

// Audit action vocabulary. Entries use these values only, so the log stays
// greppable.
const (
	ActionFileCreated     = "file_created"
	ActionFileModified    = "file_modified"
	ActionFileDeleted     = "file_deleted"
	ActionCommandRun      = "command_run"
	ActionFixApplied      = "fix_applied"
	ActionFindingReported = "finding_reported"
	ActionError           = "error"
	ActionConfigChange    = "config_change"
)

// Entry is one audited action. SHA256 is the content hash of the target
// file when the action touched one and the file was readable.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Agent      string    `json:"agent"`
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
}

// Log is the append-only audit writer. Safe for concurrent use.
type Log struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// Open creates or opens the audit log under stateDir, pruning expired
// entries first.
func Open(stateDir string) (*Log, error) {
	path := filepath.Join(stateDir, "audit.log")
	l := &Log{path: path}

	if err := l.prune(time.Now()); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	l.file = file
	return l, nil
}

// Record appends one entry. Failures are logged, never propagated — audit
// must not break the action it describes.
func (l *Log) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("Audit entry not serializable", "error", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if _, err := l.file.Write(data); err != nil {
		slog.Warn("Audit write failed", "error", err)
	}
}

// RecordAgentAction is the agent runtime's audit hook.
func (l *Log) RecordAgentAction(agent, action, target string, durationMS int64, success bool, errMsg string) {
	l.Record(Entry{
		Agent:      agent,
		Action:     action,
		Target:     target,
		DurationMS: durationMS,
		Success:    success,
		Error:      errMsg,
	})
}

// RecordFindingReported audits one finding committed to the context store.
// sha256 may be empty when the finding has no file or the file was gone by
// commit time.
func (l *Log) RecordFindingReported(agent, file, sha256 string) {
	l.Record(Entry{
		Agent:   agent,
		Action:  ActionFindingReported,
		Target:  file,
		Success: true,
		SHA256:  sha256,
	})
}

// Prune drops entries older than the retention window. The manager calls
// this from its daily cleanup cycle.
func (l *Log) Prune(now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prune(now)
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// prune rewrites the file keeping only entries inside the window. Caller
// holds the lock (or the file is not yet open).
func (l *Log) prune(now time.Time) error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}

	cutoff := now.Add(-Retention)
	var kept bytes.Buffer
	dropped := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil || entry.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		kept.Write(line)
		kept.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning audit log: %w", err)
	}
	if dropped == 0 {
		return nil
	}

	// Rewrite through a temp file so a crash never loses the kept entries.
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, kept.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing pruned audit log: %w", err)
	}
	wasOpen := l.file != nil
	if wasOpen {
		l.file.Close()
		l.file = nil
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing audit log: %w", err)
	}
	if wasOpen {
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("reopening audit log: %w", err)
		}
		l.file = file
	}
	slog.Debug("Pruned audit log", "dropped", dropped)
	return nil
}
