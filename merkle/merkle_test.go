package merkle

import "testing"

func TestRootOfTransactionsSingleLeaf(t *testing.T) {
	txn := map[string]interface{}{"id": float64(1), "txnMetadata": map[string]interface{}{"seqNo": float64(1)}}
	root, err := RootOfTransactions([]interface{}{txn})
	if err != nil {
		t.Fatalf("RootOfTransactions: %v", err)
	}
	var zero [32]byte
	if root == zero {
		t.Fatal("expected non-zero root for a single leaf")
	}
}

func TestRootOfTransactionsEmpty(t *testing.T) {
	root, err := RootOfTransactions(nil)
	if err != nil {
		t.Fatalf("RootOfTransactions(nil): %v", err)
	}
	var zero [32]byte
	if root != zero {
		t.Fatal("expected zero root for an empty set")
	}
}

func TestRootIsOrderSensitive(t *testing.T) {
	a := map[string]interface{}{"id": float64(1)}
	b := map[string]interface{}{"id": float64(2)}
	r1, err := RootOfTransactions([]interface{}{a, b})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := RootOfTransactions([]interface{}{b, a})
	if err != nil {
		t.Fatal(err)
	}
	if r1 == r2 {
		t.Fatal("root should depend on leaf order")
	}
}

func TestAuditPathRoundTrip(t *testing.T) {
	txns := []interface{}{
		map[string]interface{}{"id": float64(1)},
		map[string]interface{}{"id": float64(2)},
		map[string]interface{}{"id": float64(3)},
		map[string]interface{}{"id": float64(4)},
		map[string]interface{}{"id": float64(5)},
	}
	root, err := RootOfTransactions(txns)
	if err != nil {
		t.Fatal(err)
	}
	for i, txn := range txns {
		path, err := AuditPath(txns, i)
		if err != nil {
			t.Fatalf("AuditPath(%d): %v", i, err)
		}
		ok, err := VerifyAuditPath(txn, path, root)
		if err != nil {
			t.Fatalf("VerifyAuditPath(%d): %v", i, err)
		}
		if !ok {
			t.Fatalf("audit path for leaf %d did not verify", i)
		}
	}
}

func TestAuditPathOutOfRange(t *testing.T) {
	txns := []interface{}{map[string]interface{}{"id": float64(1)}}
	if _, err := AuditPath(txns, 5); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}
