// Command gen-fixtures emits JSON test vectors for an initialize-request, a
// problem-report, a Merkle audit path, and the canonical encoding of a
// genesis transaction, for use as golden files by other implementations'
// conformance suites. Key material is fixed, but the initialize-request's
// signature embeds the signing time, so that file differs between runs.
package main

import (
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"microledger.dev/consensus/canonicaljson"
	"microledger.dev/consensus/merkle"
	"microledger.dev/consensus/protocol"
	"microledger.dev/consensus/sigenvelope"
	"microledger.dev/consensus/store"
)

func main() {
	outDir := flag.String("out", "fixtures", "output directory for generated fixture files")
	flag.Parse()

	if err := run(*outDir); err != nil {
		fmt.Fprintln(os.Stderr, "gen-fixtures:", err)
		os.Exit(1)
	}
}

// deterministicKey derives a reproducible Ed25519 keypair from a fixed seed
// byte, so DIDs and verkeys are the same in every regeneration.
func deterministicKey(seedByte byte) (string, ed25519.PublicKey, ed25519.PrivateKey) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = seedByte
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	did := fmt.Sprintf("did:example:fixture-%02x", seedByte)
	return did, pub, priv
}

func run(outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	actorDID, _, actorPriv := deterministicKey(0x01)
	p1DID, _, _ := deterministicKey(0x02)
	signer := sigenvelope.NewEd25519Signer(map[string]ed25519.PrivateKey{actorDID: actorPriv})

	genesis := []store.Txn{{"txnMetadata": map[string]interface{}{"seqNo": int64(1)}, "kind": "genesis"}}
	info := protocol.LedgerInfo{Genesis: genesis, Name: "FIX-001", RootHash: mustRootHash(genesis)}
	lh, err := protocol.LedgerHashOf(info)
	if err != nil {
		return err
	}
	selfSig, err := sigenvelope.SignPayload(signer, actorDID, lh)
	if err != nil {
		return err
	}

	req := protocol.InitializeRequest{
		Type:         protocol.TypeInitializeRequest,
		ID:           "fixture-msg-1",
		Thread:       protocol.Thread{Thid: "fixture-thread-1"},
		Ledger:       info,
		LedgerHash:   lh,
		Participants: []string{actorDID, p1DID},
		Signatures:   []sigenvelope.Envelope{selfSig},
	}
	if err := writeFixture(filepath.Join(outDir, "initialize-request.json"), req); err != nil {
		return err
	}

	pr := protocol.NewProblemReport("fixture-msg-2", "fixture-thread-1", protocol.RequestNotAccepted, "example rejection")
	if err := writeFixture(filepath.Join(outDir, "problem-report.json"), pr); err != nil {
		return err
	}

	leaves := make([][]byte, 0, len(genesis))
	for _, txn := range genesis {
		enc, err := canonicaljson.Encode(txn)
		if err != nil {
			return err
		}
		leaves = append(leaves, enc)
	}
	path, err := merkle.AuditPathOfCanonicalLeaves(leaves, 0)
	if err != nil {
		return err
	}
	if err := writeFixture(filepath.Join(outDir, "audit-path.json"), path); err != nil {
		return err
	}

	canonical, err := canonicaljson.Encode(genesis[0])
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, "canonical-genesis-txn.json"), canonical, 0o644)
}

func mustRootHash(genesis []store.Txn) string {
	leaves := make([]interface{}, len(genesis))
	for i, t := range genesis {
		leaves[i] = t
	}
	root, err := merkle.RootOfTransactions(leaves)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", root)
}

func writeFixture(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o644)
}
