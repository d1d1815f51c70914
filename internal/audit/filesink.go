package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arklim/ipc-gateway/internal/core/domain"
	"github.com/arklim/ipc-gateway/internal/core/port"
)

// FileSinkConfig tunes the write-ahead audit file.
type FileSinkConfig struct {
	Path         string
	MaxFileBytes int64
	MaxFiles     int
	Retention    time.Duration
}

// FileSink appends audit events as JSON lines to a log file, rotating by
// size and pruning rotated files past the retention horizon.
type FileSink struct {
	cfg   FileSinkConfig
	clock func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
}

func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 100 << 20
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 10
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &FileSink{cfg: cfg, clock: time.Now}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock injects a time source for deterministic tests.
func (s *FileSink) WithClock(clock func() time.Time) *FileSink {
	s.clock = clock
	return s
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// Append writes the batch as JSON lines and syncs. The file is the source of
// truth for the audit trail, so a failed write is reported, not swallowed.
func (s *FileSink) Append(_ context.Context, events []domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range events {
		line, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		line = append(line, '\n')
		n, err := s.file.Write(line)
		s.size += int64(n)
		if err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
		if s.size >= s.cfg.MaxFileBytes {
			if err := s.rotateLocked(); err != nil {
				return err
			}
		}
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}

// rotateLocked renames the active file with a timestamp suffix, opens a
// fresh one, and prunes rotated files. Caller holds the lock.
func (s *FileSink) rotateLocked() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync before rotate: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close before rotate: %w", err)
	}

	rotated := fmt.Sprintf("%s.%s", s.cfg.Path, s.clock().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(s.cfg.Path, rotated); err != nil {
		return fmt.Errorf("rotate audit file: %w", err)
	}

	if err := s.open(); err != nil {
		return err
	}

	s.pruneLocked()
	return nil
}

// pruneLocked deletes rotated files beyond the count limit or older than the
// retention horizon. Prune failures are best effort.
func (s *FileSink) pruneLocked() {
	matches, err := filepath.Glob(s.cfg.Path + ".*")
	if err != nil {
		return
	}
	sort.Strings(matches) // timestamp suffixes sort oldest first

	cutoff := time.Time{}
	if s.cfg.Retention > 0 {
		cutoff = s.clock().Add(-s.cfg.Retention)
	}

	excess := len(matches) - s.cfg.MaxFiles
	for i, name := range matches {
		drop := i < excess
		if !drop && !cutoff.IsZero() {
			suffix := strings.TrimPrefix(name, s.cfg.Path+".")
			if ts, err := time.Parse("20060102T150405.000000000", suffix); err == nil && ts.Before(cutoff) {
				drop = true
			}
		}
		if drop {
			_ = os.Remove(name)
		}
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("sync audit file: %w", err)
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ port.AuditSink = (*FileSink)(nil)
