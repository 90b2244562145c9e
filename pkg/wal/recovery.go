package wal

import (
	"sort"

	"github.com/nainya/hamstore/internal/logger"
)

// PageWriter is what a replay needs (pkg/env's Environment provides it): the ability
// to stamp raw bytes into a page's payload at a given offset,
// regardless of whether that page is currently cached.
type PageWriter interface {
	WriteAt(pageAddress uint64, offset uint32, data []byte) error
}

// transaction groups one txn's entries in LSN order while replay scans
// the merged entry stream.
type transaction struct {
	id        uint64
	entries   []*Entry
	committed bool
	aborted   bool
}

// Result summarizes a single Replay call.
type Result struct {
	TotalEntries      int
	CommittedTxns     int
	UncommittedTxns   int
	ReplayedOps       int
	LastCheckpointLSN uint64
	LastLSN           uint64
}

// Replay reads both rotating log files, merges their entries in LSN
// order, and applies the checkpoint-anchored redo/undo procedure:
// entries at or before the last checkpoint's
// referenced LSN are skipped outright (their pages are already known
// flushed); committed transactions after it are redone (their
// NewPayload bytes re-applied); transactions left open at the end of
// the log (no matching TXN_COMMIT or TXN_ABORT) are undone (their
// OVERWRITE entries' OldPayload bytes restored; their WRITE entries
// need no undo, since nothing existed at that offset before them).
func Replay(logPaths []string, pw PageWriter, log *logger.Logger) (Result, error) {
	var all []*Entry
	for _, path := range logPaths {
		entries, _, err := readEntriesTolerant(path)
		if err != nil {
			return Result{}, err
		}
		all = append(all, entries...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LSN < all[j].LSN })

	var result Result
	result.TotalEntries = len(all)

	var checkpointLSN uint64
	for _, e := range all {
		if e.Kind == KindCheckpoint && e.PageAddress > checkpointLSN {
			checkpointLSN = e.PageAddress
		}
		if e.LSN > result.LastLSN {
			result.LastLSN = e.LSN
		}
	}
	result.LastCheckpointLSN = checkpointLSN

	txns := make(map[uint64]*transaction)
	var order []uint64
	for _, e := range all {
		if e.LSN <= checkpointLSN {
			continue
		}
		switch e.Kind {
		case KindCheckpoint, KindFlushPage:
			continue
		}

		t, ok := txns[e.TxnID]
		if !ok {
			t = &transaction{id: e.TxnID}
			txns[e.TxnID] = t
			order = append(order, e.TxnID)
		}
		switch e.Kind {
		case KindTxnCommit:
			t.committed = true
		case KindTxnAbort:
			t.aborted = true
		default:
			t.entries = append(t.entries, e)
		}
	}

	var err error
	for _, id := range order {
		t := txns[id]
		switch {
		case t.committed:
			result.CommittedTxns++
			for _, e := range t.entries {
				if e.Kind != KindWrite && e.Kind != KindOverwrite {
					continue
				}
				if werr := pw.WriteAt(e.PageAddress, e.Offset, e.NewPayload); werr != nil {
					err = werr
				}
				result.ReplayedOps++
			}
		case t.aborted:
			undoTransaction(t, pw)
		default:
			// No commit or abort marker reached the end of the log: the
			// transaction was still in flight when the process died.
			result.UncommittedTxns++
			undoTransaction(t, pw)
		}
	}

	if log != nil {
		log.LogRecovery(result.CommittedTxns, result.UncommittedTxns, result.LastLSN, err)
	}
	return result, err
}

// undoTransaction restores the pre-image of every OVERWRITE entry a
// transaction wrote, walking newest-to-oldest so nested overwrites of
// the same region unwind correctly.
func undoTransaction(t *transaction, pw PageWriter) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.Kind != KindOverwrite {
			continue
		}
		pw.WriteAt(e.PageAddress, e.Offset, e.OldPayload)
	}
}
