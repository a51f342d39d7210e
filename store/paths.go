package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// LedgerDir returns the on-disk directory for a named microledger under
// datadir: datadir/ledgers/<name>/ (mirrors the datadir/chains/<chain_id_hex>/
// layout, one tree per ledger instead of per chain).
func LedgerDir(datadir, name string) string {
	return filepath.Join(datadir, "ledgers", name)
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}
