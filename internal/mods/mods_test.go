package mods

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestScanOrdersEntriesAndSumsSize(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.zip"), 10)
	writeFile(t, filepath.Join(dir, "a.zip"), 20)

	inv, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(inv.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(inv.Entries))
	}
	if inv.Entries[0].Path != "a.zip" {
		t.Fatalf("expected a.zip first, got %s", inv.Entries[0].Path)
	}
	if inv.TotalSize != 30 {
		t.Fatalf("expected total size 30, got %d", inv.TotalSize)
	}
}

func TestScanMissingDirReturnsEmpty(t *testing.T) {
	inv, err := Scan(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(inv.Entries) != 0 {
		t.Fatalf("expected empty inventory for missing dir")
	}
}

func TestSendSplitWholeFileFallback(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("x"), chunkSize+100)
	writeFileContent(t, filepath.Join(dir, "mod.zip"), content)

	u := &Uploader{Dir: dir}
	var out bytes.Buffer
	if err := u.SendSplit(context.Background(), "mod.zip", &out, nil); err != nil {
		t.Fatalf("SendSplit: %v", err)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Fatalf("whole-file transfer mismatch: got %d bytes want %d", out.Len(), len(content))
	}
}

func TestSendSplitTwoHalvesReassemble(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("m"), chunkSize*3+17)
	writeFileContent(t, filepath.Join(dir, "mod.zip"), content)

	u := &Uploader{Dir: dir}
	var primary, secondary syncBuffer
	if err := u.SendSplit(context.Background(), "mod.zip", &primary, &secondary); err != nil {
		t.Fatalf("SendSplit: %v", err)
	}
	if primary.buf.Len()+secondary.buf.Len() != len(content) {
		t.Fatalf("expected combined halves to equal file size: got %d want %d",
			primary.buf.Len()+secondary.buf.Len(), len(content))
	}
	wantFirstHalf := len(content) / 2
	if primary.buf.Len() != wantFirstHalf {
		t.Fatalf("expected primary to carry the contiguous first half (%d bytes), got %d", wantFirstHalf, primary.buf.Len())
	}
	if !bytes.Equal(primary.buf.Bytes(), content[:wantFirstHalf]) {
		t.Fatalf("expected primary half to be a contiguous prefix of the file")
	}
	if !bytes.Equal(secondary.buf.Bytes(), content[wantFirstHalf:]) {
		t.Fatalf("expected secondary half to be a contiguous suffix of the file")
	}
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	writeFileContent(t, path, bytes.Repeat([]byte{0}, size))
}

func writeFileContent(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// syncBuffer wraps bytes.Buffer with a mutex. In production each half
// targets a distinct socket, but the test measures combined output from
// two goroutines writing concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}
