package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "mailgate/pkg/logx"
)

// fileStore appends one JSON document per line. Prune rewrites the file
// through a temp file and rename.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: cfg.Path, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendDelivery(_ context.Context, e DeliveryEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	_, err = s.f.Write(b)
	return err
}

// scan calls fn for every decodable line. Corrupt lines are skipped.
func (s *fileStore) scan(ctx context.Context, fn func(e DeliveryEntry, raw []byte) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	skipped := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e DeliveryEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			skipped++
			continue
		}
		if err := fn(e, raw); err != nil {
			return err
		}
	}
	if skipped > 0 {
		s.log.Warn("delivery log has unreadable lines", logx.Int("skipped", skipped))
	}
	return sc.Err()
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]DeliveryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	var all []DeliveryEntry
	err := s.scan(ctx, func(e DeliveryEntry, _ []byte) error {
		all = append(all, e)
		if n > 0 && len(all) > n {
			all = all[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrClosed
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".prune-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	removed := 0
	err = s.scan(ctx, func(e DeliveryEntry, raw []byte) error {
		if e.At.Before(before) {
			removed++
			return nil
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
		return w.WriteByte('\n')
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", s.path, err)
	}
	if removed == 0 {
		return 0, nil
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return 0, err
	}
	// The old handle points at the unlinked inode; reopen on the new file.
	_ = s.f.Close()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return removed, errors.Join(ErrClosed, err)
	}
	s.f = f
	return removed, nil
}
