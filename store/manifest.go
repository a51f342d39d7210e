package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SchemaVersionV1 is the current on-disk manifest schema.
const SchemaVersionV1 uint32 = 1

// Manifest is the small header that marks a ledger directory as
// initialized. Size and RootHash are NOT trusted from the manifest at open
// time — they are always recomputed from the bbolt-committed bucket, which
// is itself written transactionally; the manifest only records existence
// and the case-sensitive name, so that a half-written manifest can never be
// mistaken for an initialized ledger.
type Manifest struct {
	SchemaVersion uint32 `json:"schema_version"`
	Name          string `json:"name"`
}

func manifestPath(ledgerDir string) string {
	return filepath.Join(ledgerDir, "MANIFEST.json")
}

func readManifest(ledgerDir string) (*Manifest, error) {
	b, err := os.ReadFile(manifestPath(ledgerDir)) // #nosec G304 -- ledgerDir is derived from operator-controlled datadir.
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest json: %w", err)
	}
	return &m, nil
}

// writeManifestAtomic writes MANIFEST.json as a crash-safe commit point:
// write temp -> fsync temp -> rename -> fsync dir. Adapted from the
// teacher's node/store writeManifestAtomic, which used the same sequence to
// make a chain's tip record durable across a crash.
func writeManifestAtomic(ledgerDir string, m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest: nil")
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest json: %w", err)
	}
	b = append(b, '\n')

	final := manifestPath(ledgerDir)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- tmp path derived from operator-controlled datadir.
	if err != nil {
		return fmt.Errorf("manifest open tmp: %w", err)
	}
	_, werr := f.Write(b)
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("manifest write tmp: %w", werr)
	}
	if serr != nil {
		return fmt.Errorf("manifest fsync tmp: %w", serr)
	}
	if cerr != nil {
		return fmt.Errorf("manifest close tmp: %w", cerr)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("manifest rename: %w", err)
	}

	d, err := os.Open(ledgerDir) // #nosec G304 -- ledgerDir derived from operator-controlled datadir.
	if err != nil {
		return fmt.Errorf("manifest fsync dir open: %w", err)
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return fmt.Errorf("manifest fsync dir: %w", err)
	}
	return d.Close()
}
