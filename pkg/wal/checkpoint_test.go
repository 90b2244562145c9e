package wal

import "testing"

func TestCheckpointAnchorsLastCheckpointLSN(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	txn, err := w.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	commitLSN, err := w.CommitTxn(txn)
	if err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}

	if err := w.Checkpoint(commitLSN); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if w.lastCheckpointLSN != commitLSN {
		t.Fatalf("expected lastCheckpointLSN %d, got %d", commitLSN, w.lastCheckpointLSN)
	}
}

func TestCheckpointerRunsFlushAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir}, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	txn, err := w.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	commitLSN, err := w.CommitTxn(txn)
	if err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}

	flushed := false
	cp := NewCheckpointer(w, func() (uint64, error) {
		flushed = true
		return commitLSN, nil
	})
	if err := cp.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if !flushed {
		t.Fatalf("expected flushFn to be called")
	}
	if w.lastCheckpointLSN != commitLSN {
		t.Fatalf("expected checkpoint to anchor at %d, got %d", commitLSN, w.lastCheckpointLSN)
	}
}

func TestRotationDeferredWhileTxnOpen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Config{Dir: dir, MaxEntriesPerFile: 2}, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	txn, err := w.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	startActive := w.active
	// Push entries well past the threshold without closing the txn.
	for i := 0; i < 5; i++ {
		if err := w.AppendWrite(txn, 100, 0, []byte("x")); err != nil {
			t.Fatalf("AppendWrite: %v", err)
		}
	}
	if w.active != startActive {
		t.Fatalf("expected rotation to be deferred while a transaction is open")
	}

	if _, err := w.CommitTxn(txn); err != nil {
		t.Fatalf("CommitTxn: %v", err)
	}
	if w.active == startActive {
		t.Fatalf("expected rotation to proceed once the transaction closed")
	}
}
