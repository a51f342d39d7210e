package canonicaljson

import (
	"crypto/md5" //nolint:gosec // collision resistance is not relied on here, only cheap equality checks.
	"crypto/sha256"
	"encoding/hex"
)

// Sha256 canonicalizes v and returns the SHA-256 digest of the result.
func Sha256(v interface{}) ([32]byte, error) {
	enc, err := Encode(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(enc), nil
}

// Md5Hex canonicalizes v and returns the MD5 hex digest of the result. This
// is the `hash` field exchanged in stage-propose / stage-pre-commit
// messages: a cheap equality fingerprint for a state snapshot, never relied
// on for collision resistance (signatures cover the real payload).
func Md5Hex(v interface{}) (string, error) {
	enc, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(enc) //nolint:gosec // see above.
	return hex.EncodeToString(sum[:]), nil
}
