// Package jsonl stores ledger entries as an append-only JSONL file, one
// entry per line, fsynced on every insert.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgeai/forgeguard/internal/ledger"
)

const maxLineSize = 4 << 20

// Store is a file-backed ledger.Store.
type Store struct {
	path    string
	file    *os.File
	lastSeq int64
	mu      sync.Mutex
}

// Open opens (or creates) the log at path. An existing file is scanned to
// recover the last written sequence so re-inserts after a partial flush are
// skipped.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("jsonl: create directory: %w", err)
	}

	s := &Store{path: path}
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		err := s.scan(func(e ledger.Entry) {
			if e.Sequence > s.lastSeq {
				s.lastSeq = e.Sequence
			}
		})
		if err != nil {
			return nil, fmt.Errorf("jsonl: read existing log: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open file: %w", err)
	}
	s.file = file
	return s, nil
}

// Path returns the log file location.
func (s *Store) Path() string {
	return s.path
}

// Insert appends e as one line and syncs the file.
func (s *Store) Insert(ctx context.Context, e ledger.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Sequence > 0 && e.Sequence <= s.lastSeq {
		return nil
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("jsonl: marshal entry: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("jsonl: write entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("jsonl: sync: %w", err)
	}
	if e.Sequence > s.lastSeq {
		s.lastSeq = e.Sequence
	}
	return nil
}

// Query returns matching entries, most recent first.
func (s *Store) Query(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	matched, err := s.matching(ctx, f)
	if err != nil {
		return nil, err
	}
	return f.Page(matched), nil
}

// Count returns the number of matching entries.
func (s *Store) Count(ctx context.Context, f ledger.Filter) (int, error) {
	matched, err := s.matching(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *Store) matching(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []ledger.Entry
	err := s.scan(func(e ledger.Entry) {
		if f.Match(e) {
			matched = append(matched, e)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("jsonl: scan log: %w", err)
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched, nil
}

// scan calls fn for each well-formed line in file order. Malformed lines
// are skipped. A missing file yields no entries.
func (s *Store) scan(fn func(ledger.Entry)) error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		e, err := ledger.DecodeEntry(scanner.Bytes())
		if err != nil {
			continue
		}
		fn(e)
	}
	return scanner.Err()
}
