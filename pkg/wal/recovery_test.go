package wal

import (
	"bytes"
	"testing"
)

// fakePages is a minimal PageWriter that records every write against
// an in-memory page arena, for asserting replay's redo/undo output.
type fakePages struct {
	pages map[uint64][]byte
}

func newFakePages() *fakePages {
	return &fakePages{pages: make(map[uint64][]byte)}
}

func (f *fakePages) WriteAt(pageAddress uint64, offset uint32, data []byte) error {
	p, ok := f.pages[pageAddress]
	if !ok {
		p = make([]byte, 512)
		f.pages[pageAddress] = p
	}
	end := int(offset) + len(data)
	if end > len(p) {
		grown := make([]byte, end)
		copy(grown, p)
		p = grown
		f.pages[pageAddress] = p
	}
	copy(p[offset:end], data)
	return nil
}

func TestReplayRedoesCommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	txn, err := w.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if err := w.AppendWrite(txn, 100, 0, []byte("committed-data")); err != nil {
		t.Fatalf("AppendWrite: %v", err)
	}
	if _, err := w.CommitTxn(txn); err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	pages := newFakePages()
	result, err := Replay(w2.LogPaths(), pages, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if result.CommittedTxns != 1 {
		t.Fatalf("expected 1 committed txn, got %d", result.CommittedTxns)
	}
	if result.UncommittedTxns != 0 {
		t.Fatalf("expected 0 uncommitted txns, got %d", result.UncommittedTxns)
	}

	got := pages.pages[100][:len("committed-data")]
	if !bytes.Equal(got, []byte("committed-data")) {
		t.Fatalf("expected redo to apply committed write, got %q", got)
	}
}

func TestReplayUndoesUncommittedOverwrite(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	txn, err := w.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if err := w.AppendOverwrite(txn, 200, 0, []byte("original"), []byte("clobbered")); err != nil {
		t.Fatalf("AppendOverwrite: %v", err)
	}
	// No commit: simulate the process dying mid-transaction.
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	pages := newFakePages()
	result, err := Replay(w2.LogPaths(), pages, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if result.UncommittedTxns != 1 {
		t.Fatalf("expected 1 uncommitted txn, got %d", result.UncommittedTxns)
	}

	got := pages.pages[200][:len("original")]
	if !bytes.Equal(got, []byte("original")) {
		t.Fatalf("expected undo to restore pre-image, got %q", got)
	}
}

func TestReplayAbortedTransactionIsUndoneNotCounted(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	txn, err := w.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if err := w.AppendOverwrite(txn, 300, 0, []byte("keep-this"), []byte("bad-write")); err != nil {
		t.Fatalf("AppendOverwrite: %v", err)
	}
	if err := w.AbortTxn(txn); err != nil {
		t.Fatalf("AbortTxn: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	pages := newFakePages()
	result, err := Replay(w2.LogPaths(), pages, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if result.CommittedTxns != 0 || result.UncommittedTxns != 0 {
		t.Fatalf("expected an explicitly aborted txn to count as neither, got committed=%d uncommitted=%d",
			result.CommittedTxns, result.UncommittedTxns)
	}

	got := pages.pages[300][:len("keep-this")]
	if !bytes.Equal(got, []byte("keep-this")) {
		t.Fatalf("expected abort to restore pre-image, got %q", got)
	}
}

func TestReplaySkipsEntriesAtOrBeforeCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	txn1, err := w.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if err := w.AppendWrite(txn1, 400, 0, []byte("before-checkpoint")); err != nil {
		t.Fatalf("AppendWrite: %v", err)
	}
	commitLSN, err := w.CommitTxn(txn1)
	if err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}
	if err := w.Checkpoint(commitLSN); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	txn2, err := w.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if err := w.AppendWrite(txn2, 500, 0, []byte("after-checkpoint")); err != nil {
		t.Fatalf("AppendWrite: %v", err)
	}
	if _, err := w.CommitTxn(txn2); err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	pages := newFakePages()
	result, err := Replay(w2.LogPaths(), pages, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if result.CommittedTxns != 1 {
		t.Fatalf("expected only the post-checkpoint txn to be replayed, got %d committed", result.CommittedTxns)
	}
	if _, ok := pages.pages[400]; ok {
		t.Fatalf("expected pre-checkpoint write to be skipped during replay")
	}
	got := pages.pages[500][:len("after-checkpoint")]
	if !bytes.Equal(got, []byte("after-checkpoint")) {
		t.Fatalf("expected post-checkpoint write to be redone, got %q", got)
	}
}
