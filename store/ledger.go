// Package store implements the Merkle log store: an append-only
// transaction log, partitioned into committed and uncommitted (staged)
// entries, backed by one bbolt database per microledger name.
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"microledger.dev/consensus/merkle"
)

var bucketCommitted = []byte("committed_by_seqno")

// Snapshot is the state snapshot exchanged in propose/pre-commit messages.
type Snapshot struct {
	Name                string `json:"name"`
	SeqNo               uint64 `json:"seq_no"`
	Size                uint64 `json:"size"`
	UncommittedSize     uint64 `json:"uncommitted_size"`
	RootHash            string `json:"root_hash"`
	UncommittedRootHash string `json:"uncommitted_root_hash"`
}

// Ledger is a single microledger's committed log plus its in-memory staging
// area. The scheduler (package consensus) is responsible for ensuring only
// one Ledger handle for a given name is open at a time.
type Ledger struct {
	name      string
	dir       string
	db        *bolt.DB
	mu        sync.Mutex
	staged    []Txn
	committed []Txn // cached in ingestion order, mirrors the bbolt bucket
}

// Open opens (creating if necessary) the on-disk store for a named
// microledger. A freshly created store is uninitialized until Reset
// installs its genesis transactions.
func Open(datadir, name string) (*Ledger, error) {
	if name == "" {
		return nil, fmt.Errorf("store: empty ledger name")
	}
	dir := LedgerDir(datadir, name)
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	if err := ensureDir(filepath.Join(dir, "db")); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "db", "kv.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCommitted)
		return err
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}

	l := &Ledger{name: name, dir: dir, db: bdb}
	committed, err := l.readCommitted()
	if err != nil {
		_ = bdb.Close()
		return nil, err
	}
	l.committed = committed
	return l, nil
}

// Exists reports whether this ledger has a manifest, i.e. has completed at
// least one Reset.
func (l *Ledger) Exists() bool {
	_, err := readManifest(l.dir)
	return err == nil
}

// ExistsOnDisk reports whether a ledger directory for name already has a
// manifest, without opening it. Used by the initialize-ledger state
// machine's pre-check ("no ledger with name exists locally").
func ExistsOnDisk(datadir, name string) bool {
	_, err := readManifest(LedgerDir(datadir, name))
	return err == nil
}

// Delete removes a ledger entirely from disk. Used on the abort path when a
// locally-created ledger must be discarded because peer-wide consensus on
// genesis was not reached.
func Delete(datadir, name string) error {
	return os.RemoveAll(LedgerDir(datadir, name))
}

// Close releases the underlying bbolt handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Name returns the ledger's case-sensitive name.
func (l *Ledger) Name() string { return l.name }

// Reset installs genesisTxns as the initial committed set. It is allowed
// only when the ledger is empty (size 0, i.e. not yet Reset) — the only
// path that installs a non-empty initial committed set.
func (l *Ledger) Reset(genesisTxns []Txn) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.committed) != 0 {
		return Snapshot{}, storeErr(ErrLedgerAlreadyExists, l.name)
	}
	if err := validateGenesis(genesisTxns); err != nil {
		return Snapshot{}, err
	}

	if err := l.writeCommitted(genesisTxns); err != nil {
		return Snapshot{}, err
	}
	l.committed = append([]Txn(nil), genesisTxns...)
	l.staged = nil

	if err := writeManifestAtomic(l.dir, &Manifest{SchemaVersion: SchemaVersionV1, Name: l.name}); err != nil {
		return Snapshot{}, fmt.Errorf("store: commit manifest: %w", err)
	}
	return l.snapshotLocked()
}

// Stage assigns the next dense seqNo values to txns and adds them to the
// uncommitted staging area. It never mutates committed state.
func (l *Ledger) Stage(txns ...Txn) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := int64(len(l.committed) + len(l.staged) + 1)
	staged := make([]Txn, 0, len(txns))
	for _, txn := range txns {
		seqNo, ok := seqNoOf(txn)
		if ok && seqNo != next {
			return Snapshot{}, storeErr(ErrSeqNoConflict, fmt.Sprintf("got seqNo %d, want %d", seqNo, next))
		}
		staged = append(staged, withSeqNo(txn, next))
		next++
	}
	l.staged = append(l.staged, staged...)
	return l.snapshotLocked()
}

// DiscardStaged drops all uncommitted entries without touching committed
// state.
func (l *Ledger) DiscardStaged() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staged = nil
}

// CommitStaged atomically promotes the staging area into the committed log.
// The write to the underlying bbolt bucket is a single transaction, so a
// crash mid-write leaves the bucket exactly as it was before the call
// (bbolt itself rolls the transaction back); there is no window in which
// Open can observe a torn state.
func (l *Ledger) CommitStaged() (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.staged) == 0 {
		return l.snapshotLocked()
	}
	if err := l.writeCommitted(l.staged); err != nil {
		return Snapshot{}, err
	}
	l.committed = append(l.committed, l.staged...)
	l.staged = nil
	return l.snapshotLocked()
}

// Snapshot returns the current state snapshot, including the uncommitted
// partition.
func (l *Ledger) Snapshot() (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() (Snapshot, error) {
	committedLeaves, err := canonicalLeaves(l.committed)
	if err != nil {
		return Snapshot{}, err
	}
	allLeaves, err := canonicalLeaves(append(append([]Txn(nil), l.committed...), l.staged...))
	if err != nil {
		return Snapshot{}, err
	}
	root := merkle.RootOfCanonicalLeaves(committedLeaves)
	uroot := merkle.RootOfCanonicalLeaves(allLeaves)

	return Snapshot{
		Name:                l.name,
		SeqNo:               uint64(len(l.committed) + len(l.staged)),
		Size:                uint64(len(l.committed)),
		UncommittedSize:     uint64(len(l.committed) + len(l.staged)),
		RootHash:            hexOf(root),
		UncommittedRootHash: hexOf(uroot),
	}, nil
}

// AuditPath returns the Merkle audit path for the committed entry at seqNo
// (1-indexed).
func (l *Ledger) AuditPath(seqNo int64) ([]merkle.AuditStep, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seqNo < 1 || seqNo > int64(len(l.committed)) {
		return nil, fmt.Errorf("store: seqNo %d out of committed range [1,%d]", seqNo, len(l.committed))
	}
	leaves, err := canonicalLeaves(l.committed)
	if err != nil {
		return nil, err
	}
	return merkle.AuditPathOfCanonicalLeaves(leaves, int(seqNo-1))
}

func (l *Ledger) writeCommitted(txns []Txn) error {
	encoded := make(map[int64][]byte, len(txns))
	for _, txn := range txns {
		seqNo, ok := seqNoOf(txn)
		if !ok {
			return storeErr(ErrSeqNoConflict, "txn missing txnMetadata.seqNo")
		}
		enc, err := canonicalEncode(txn)
		if err != nil {
			return err
		}
		encoded[seqNo] = enc
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommitted)
		for seqNo, enc := range encoded {
			if err := b.Put(seqNoKey(seqNo), enc); err != nil {
				return fmt.Errorf("store: put seqNo %d: %w", seqNo, err)
			}
		}
		return nil
	})
}

func (l *Ledger) readCommitted() ([]Txn, error) {
	var out []Txn
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommitted).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			txn, err := decodeTxn(v)
			if err != nil {
				return err
			}
			out = append(out, txn)
		}
		return nil
	})
	return out, err
}

func seqNoKey(seqNo int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(seqNo))
	return k[:]
}
