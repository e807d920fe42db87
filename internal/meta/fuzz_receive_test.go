package meta

import (
	"bytes"
	"strconv"
	"testing"
	"time"

	"meshd/internal/testutil"
)

// fuzzDemux feeds chunks to a fresh connection whose handler treats "B<n>"
// lines as block announcements.
func fuzzDemux(chunks [][]byte) (*recorder, error) {
	reads := make([]readResult, 0, len(chunks))
	for _, c := range chunks {
		reads = append(reads, readResult{data: c})
	}
	tr := &scriptTransport{reads: reads}
	c, rec := newRecordedConn("fuzz", tr)
	rec.onLine = func(c *Conn, line string) {
		if len(line) < 2 || line[0] != 'B' {
			return
		}
		if n, err := strconv.Atoi(line[1:]); err == nil && n > 0 && n <= 64 {
			c.ExpectBlock(uint(n))
		}
	}
	for len(tr.reads) > 0 {
		if err := c.Receive(); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func FuzzReceiveChunking(f *testing.F) {
	f.Add([]byte("8\nB3\nabc9\n"), []byte{1, 2, 3})
	f.Add([]byte("B5\n\n\n\n\n\nline\r\n"), []byte{7})
	f.Add([]byte("no newline at all"), []byte{0, 255})
	f.Fuzz(func(t *testing.T, data, sizes []byte) {
		data = testutil.CapBytes(data, 4096)
		if len(data) == 0 {
			return
		}
		testutil.WithTimeout(t, time.Second, func() {
			whole, werr := fuzzDemux([][]byte{data})
			split, serr := fuzzDemux(testutil.Chunks(data, sizes))
			if (werr == nil) != (serr == nil) {
				t.Fatalf("error mismatch: whole=%v split=%v", werr, serr)
			}
			if len(whole.lines) != len(split.lines) {
				t.Fatalf("line count mismatch: %d vs %d", len(whole.lines), len(split.lines))
			}
			for i := range whole.lines {
				if whole.lines[i] != split.lines[i] {
					t.Fatalf("line %d mismatch: %q vs %q", i, whole.lines[i], split.lines[i])
				}
			}
			if len(whole.blocks) != len(split.blocks) {
				t.Fatalf("block count mismatch: %d vs %d", len(whole.blocks), len(split.blocks))
			}
			for i := range whole.blocks {
				if !bytes.Equal(whole.blocks[i], split.blocks[i]) {
					t.Fatalf("block %d mismatch", i)
				}
			}
		})
	})
}
