// Package store keeps an append-only JSONL journal of meta-connection
// teardowns so `meshd status` can show history beyond the in-memory ring.
package store

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"meshd/internal/metrics"
)

var (
	// MaxLinesPerFile triggers rotation to path+".1"; older rotations are
	// dropped.
	MaxLinesPerFile = 10000
	maxScanSize     = 64 * 1024
)

type Journal struct {
	path  string
	mu    sync.Mutex
	lines int
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	j := &Journal{path: path}
	n, err := countLines(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	j.lines = n
	return j, nil
}

func (j *Journal) Path() string { return j.path }

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxScanSize)
	return sc
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := newScanner(f)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// Append writes ev as one JSON line and fsyncs it.
func (j *Journal) Append(ev metrics.ConnEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if MaxLinesPerFile > 0 && j.lines >= MaxLinesPerFile {
		if err := os.Rename(j.path, j.path+".1"); err != nil && !os.IsNotExist(err) {
			return err
		}
		syncDir(j.path)
		j.lines = 0
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	j.lines++
	return syncFile(f)
}

// Tail returns up to n most recent events, oldest first. Unparsable lines
// are skipped.
func (j *Journal) Tail(n int) ([]metrics.ConnEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []metrics.ConnEvent
	for _, p := range []string{j.path + ".1", j.path} {
		evs, err := readEvents(p)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		out = append(out, evs...)
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func readEvents(path string) ([]metrics.ConnEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []metrics.ConnEvent
	sc := newScanner(f)
	for sc.Scan() {
		var ev metrics.ConnEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out, sc.Err()
}
