package store

import (
	"testing"
)

func TestResetRequiresNonEmptyGenesis(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "L")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if _, err := l.Reset(nil); err == nil {
		t.Fatal("expected InvalidGenesis for empty genesis")
	} else if code, ok := CodeOf(err); !ok || code != ErrInvalidGenesis {
		t.Fatalf("got %v, want ErrInvalidGenesis", err)
	}
}

func TestResetInstallsGenesis(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "L")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	snap, err := l.Reset([]Txn{{"id": float64(1), "txnMetadata": map[string]interface{}{"seqNo": float64(1)}}})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Size != 1 || snap.UncommittedSize != 1 {
		t.Fatalf("got %+v", snap)
	}
	if snap.RootHash == "" || snap.RootHash != snap.UncommittedRootHash {
		t.Fatalf("expected matching root hashes post-genesis, got %+v", snap)
	}
}

func TestResetRejectsSecondTime(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "L")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	genesis := []Txn{{"id": float64(1), "txnMetadata": map[string]interface{}{"seqNo": float64(1)}}}
	if _, err := l.Reset(genesis); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reset(genesis); err == nil {
		t.Fatal("expected LedgerAlreadyExists on second Reset")
	} else if code, ok := CodeOf(err); !ok || code != ErrLedgerAlreadyExists {
		t.Fatalf("got %v", err)
	}
}

func TestStageThenCommitIsDenseAndMonotonic(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "L")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if _, err := l.Reset([]Txn{{"txnMetadata": map[string]interface{}{"seqNo": float64(1)}}}); err != nil {
		t.Fatal(err)
	}

	snap, err := l.Stage(Txn{"a": 1}, Txn{"a": 2}, Txn{"a": 3})
	if err != nil {
		t.Fatal(err)
	}
	if snap.Size != 1 || snap.UncommittedSize != 4 || snap.SeqNo != 4 {
		t.Fatalf("got %+v", snap)
	}

	committed, err := l.CommitStaged()
	if err != nil {
		t.Fatal(err)
	}
	if committed.Size != 4 || committed.UncommittedSize != 4 {
		t.Fatalf("got %+v", committed)
	}
	if committed.RootHash != committed.UncommittedRootHash {
		t.Fatalf("root hashes should match once staged is committed: %+v", committed)
	}
}

func TestDiscardStagedNeverMutatesCommitted(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "L")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	before, err := l.Reset([]Txn{{"txnMetadata": map[string]interface{}{"seqNo": float64(1)}}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := l.Stage(Txn{"a": 1}); err != nil {
		t.Fatal(err)
	}
	l.DiscardStaged()

	after, err := l.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if after.Size != before.Size || after.RootHash != before.RootHash {
		t.Fatalf("discard should leave committed state untouched: before=%+v after=%+v", before, after)
	}
	if after.UncommittedSize != after.Size {
		t.Fatalf("uncommitted size should collapse back to committed size after discard: %+v", after)
	}
}

func TestRestartYieldsCommittedStateNotTorn(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "L")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reset([]Txn{{"txnMetadata": map[string]interface{}{"seqNo": float64(1)}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Stage(Txn{"a": 1}, Txn{"a": 2}); err != nil {
		t.Fatal(err)
	}
	committed, err := l.CommitStaged()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, "L")
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	snap, err := reopened.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snap.Size != committed.Size || snap.RootHash != committed.RootHash {
		t.Fatalf("reopen should observe the fully committed state, got %+v want %+v", snap, committed)
	}
}

func TestAuditPathRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "L")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	genesis := []Txn{{"id": float64(1), "txnMetadata": map[string]interface{}{"seqNo": float64(1)}}}
	if _, err := l.Reset(genesis); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AuditPath(1); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AuditPath(0); err == nil {
		t.Fatal("expected out-of-range error for seqNo 0")
	}
}

func TestDeleteRemovesLedgerFromDisk(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "L")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reset([]Txn{{"txnMetadata": map[string]interface{}{"seqNo": float64(1)}}}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if !ExistsOnDisk(dir, "L") {
		t.Fatal("expected ledger to exist before delete")
	}
	if err := Delete(dir, "L"); err != nil {
		t.Fatal(err)
	}
	if ExistsOnDisk(dir, "L") {
		t.Fatal("expected ledger to be gone after delete")
	}
}
