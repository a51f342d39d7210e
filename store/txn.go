package store

import "fmt"

// Txn is the opaque application-supplied transaction record. The store
// never interprets fields besides the reserved txnMetadata sub-object.
type Txn = map[string]interface{}

func seqNoOf(txn Txn) (int64, bool) {
	meta, ok := txn["txnMetadata"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch v := meta["seqNo"].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

// withSeqNo returns a shallow copy of txn with txnMetadata.seqNo set,
// preserving every other top-level and txnMetadata field so that unknown
// keys survive ("unknown top-level keys MUST be preserved").
func withSeqNo(txn Txn, seqNo int64) Txn {
	out := make(Txn, len(txn))
	for k, v := range txn {
		out[k] = v
	}
	meta := make(map[string]interface{})
	if existing, ok := txn["txnMetadata"].(map[string]interface{}); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}
	meta["seqNo"] = seqNo
	out["txnMetadata"] = meta
	return out
}

func validateGenesis(txns []Txn) error {
	if len(txns) == 0 {
		return storeErr(ErrInvalidGenesis, "genesis transaction list is empty")
	}
	for i, txn := range txns {
		seqNo, ok := seqNoOf(txn)
		if !ok {
			return storeErr(ErrInvalidGenesis, fmt.Sprintf("genesis txn %d missing txnMetadata.seqNo", i))
		}
		if seqNo != int64(i+1) {
			return storeErr(ErrInvalidGenesis, fmt.Sprintf("genesis txn %d has seqNo %d, want %d", i, seqNo, i+1))
		}
	}
	return nil
}
