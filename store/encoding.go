package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"microledger.dev/consensus/canonicaljson"
)

func canonicalEncode(txn Txn) ([]byte, error) {
	enc, err := canonicaljson.Encode(txn)
	if err != nil {
		return nil, fmt.Errorf("store: canonicalize txn: %w", err)
	}
	return enc, nil
}

func canonicalLeaves(txns []Txn) ([][]byte, error) {
	out := make([][]byte, 0, len(txns))
	for _, txn := range txns {
		enc, err := canonicalEncode(txn)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, nil
}

func decodeTxn(canonical []byte) (Txn, error) {
	var txn Txn
	if err := json.Unmarshal(canonical, &txn); err != nil {
		return nil, fmt.Errorf("store: decode txn: %w", err)
	}
	return txn, nil
}

func hexOf(b [32]byte) string {
	return hex.EncodeToString(b[:])
}
