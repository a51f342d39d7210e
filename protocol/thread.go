package protocol

import (
	"github.com/google/uuid"

	"microledger.dev/consensus/canonicaljson"
)

// NewThid mints a fresh thread id. Only the actor mints a thid; every
// subsequent message of the same protocol run reuses it.
func NewThid() string {
	return uuid.NewString()
}

// NewMessageID mints a fresh @id for one message.
func NewMessageID() string {
	return uuid.NewString()
}

// LedgerHashOf computes the ledger~hash decorator for a LedgerInfo: the
// base58 encoding of the SHA-256 digest of its canonical-JSON encoding.
func LedgerHashOf(info LedgerInfo) (LedgerHash, error) {
	digest, err := canonicaljson.Sha256(info)
	if err != nil {
		return LedgerHash{}, err
	}
	return LedgerHash{Base58: Base58Encode(digest[:])}, nil
}
