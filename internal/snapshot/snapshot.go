package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mra/internal/state"
)

const (
	stateFile   = "state.json"
	appliedFile = "applied.jsonl"
)

// Snapshotter dumps a store under a snapshot id.
type Snapshotter interface {
	WriteSnapshot(ctx context.Context, snapshotID string, st state.Store) (int, error)
}

// FilesystemSnapshotter dumps every entry of a store to
// <baseDir>/<snapshotID>/state.json and its applied index, one entry per
// line, to applied.jsonl next to it.
type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

// WriteSnapshot returns the number of entries written. The applied index is
// dumped first, so a snapshot with a state file is complete.
func (f *FilesystemSnapshotter) WriteSnapshot(ctx context.Context, snapshotID string, st state.Store) (int, error) {
	dir := filepath.Join(f.baseDir, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir: %w", err)
	}

	dump := []state.Entry{}
	if err := st.Range(ctx, func(e state.Entry) error {
		dump = append(dump, e)
		return nil
	}); err != nil {
		return 0, err
	}

	err := writeAtomic(filepath.Join(dir, appliedFile), func(enc *json.Encoder) error {
		return st.RangeApplied(ctx, func(a state.Applied) error { return enc.Encode(a) })
	})
	if err != nil {
		return 0, err
	}
	err = writeAtomic(filepath.Join(dir, stateFile), func(enc *json.Encoder) error {
		enc.SetIndent("", "  ")
		return enc.Encode(dump)
	})
	if err != nil {
		return 0, err
	}
	return len(dump), nil
}

// writeAtomic writes path under a temporary name and renames it so a reader
// never sees a partial file.
func writeAtomic(path string, fill func(enc *json.Encoder) error) error {
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	w := bufio.NewWriter(out)
	if err := fill(json.NewEncoder(w)); err != nil {
		out.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := w.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Load reads the entries of a snapshot. A missing snapshot is reported with
// an error wrapping os.ErrNotExist.
func Load(baseDir, snapshotID string) ([]state.Entry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, snapshotID, stateFile))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var dump []state.Entry
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return dump, nil
}

// LoadApplied streams the applied-index entries of a snapshot to fn. A
// snapshot without an applied file has no entries.
func LoadApplied(baseDir, snapshotID string, fn func(state.Applied) error) error {
	f, err := os.Open(filepath.Join(baseDir, snapshotID, appliedFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open applied: %w", err)
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	line := 0
	for s.Scan() {
		line++
		if len(s.Bytes()) == 0 {
			continue
		}
		var a state.Applied
		if err := json.Unmarshal(s.Bytes(), &a); err != nil {
			return fmt.Errorf("unmarshal applied line %d: %w", line, err)
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("scan applied: %w", err)
	}
	return nil
}
