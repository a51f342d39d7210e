// Package sigenvelope implements the canonical signature decorator: a
// detached Ed25519 signature over a timestamp-prefixed canonical JSON
// payload, bound to a signer identity through the DID/verkey table.
package sigenvelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"microledger.dev/consensus/canonicaljson"
	"microledger.dev/consensus/didkey"
)

// DefaultMaxSkewSec is the default timestamp-skew tolerance. A skew beyond
// this MAY be reported by Verify but is never fatal by itself — the
// enclosing state machine decides whether to accept it, because the
// protocol's own timeout_sec already bounds the run.
const DefaultMaxSkewSec = 300

const typeURI = "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/simple-consensus/1.0/signature"

// Envelope is the wire shape of the signature decorator.
type Envelope struct {
	Type      string `json:"@type"`
	Signer    string `json:"signer"`   // base64 verkey
	SigData   string `json:"sig_data"` // base64(8-byte timestamp || canonical payload)
	Signature string `json:"signature"`
}

// Signer produces a detached signature envelope for a DID the caller
// controls the private key for. Implementations are the "wallet" external
// collaborator.
type Signer interface {
	Sign(did string, payload []byte) (Envelope, error)
}

// Ed25519Signer signs with an in-process Ed25519 private key, keyed by DID.
// It is the reference Signer used by tests and the demo CLI; production
// deployments plug in a wallet-backed Signer instead.
type Ed25519Signer struct {
	keys map[string]ed25519.PrivateKey
	now  func() time.Time
}

// NewEd25519Signer builds a signer over the given DID -> private key table.
func NewEd25519Signer(keys map[string]ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{keys: keys, now: time.Now}
}

func (s *Ed25519Signer) Sign(did string, payload []byte) (Envelope, error) {
	sk, ok := s.keys[did]
	if !ok {
		return Envelope{}, fmt.Errorf("sigenvelope: no private key for %q", did)
	}
	return signWith(sk, payload, s.now())
}

// SignPayload canonicalizes payload and signs it for did via signer.
func SignPayload(signer Signer, did string, payload interface{}) (Envelope, error) {
	enc, err := canonicaljson.Encode(payload)
	if err != nil {
		return Envelope{}, err
	}
	return signer.Sign(did, enc)
}

func signWith(sk ed25519.PrivateKey, canonicalPayload []byte, now time.Time) (Envelope, error) {
	sigData := make([]byte, 8+len(canonicalPayload))
	binary.BigEndian.PutUint64(sigData[:8], uint64(now.Unix()))
	copy(sigData[8:], canonicalPayload)

	sig := ed25519.Sign(sk, sigData)
	pub := sk.Public().(ed25519.PublicKey)

	return Envelope{
		Type:      typeURI,
		Signer:    base64.StdEncoding.EncodeToString(pub),
		SigData:   base64.StdEncoding.EncodeToString(sigData),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyResult reports the outcome of Verify, including a non-fatal skew
// warning the caller's state machine decides how to treat.
type VerifyResult struct {
	OK          bool
	SkewSec     int64
	SkewExceeds bool
}

// Verify checks env against the verkey the resolver reports for
// expectedSignerDID, and that env's canonical payload equals payload.
func Verify(resolver didkey.Resolver, env Envelope, expectedSignerDID string, payload interface{}, maxSkewSec int64) (VerifyResult, error) {
	enc, err := canonicaljson.Encode(payload)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyRaw(resolver, env, expectedSignerDID, enc, maxSkewSec)
}

// VerifyRaw is Verify for an already-canonicalized payload.
func VerifyRaw(resolver didkey.Resolver, env Envelope, expectedSignerDID string, canonicalPayload []byte, maxSkewSec int64) (VerifyResult, error) {
	wantVerkey, err := resolver.VerkeyOf(expectedSignerDID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("sigenvelope: resolve %q: %w", expectedSignerDID, err)
	}

	sigData, err := base64.StdEncoding.DecodeString(env.SigData)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("sigenvelope: bad sig_data: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("sigenvelope: bad signature: %w", err)
	}
	signerKey, err := base64.StdEncoding.DecodeString(env.Signer)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("sigenvelope: bad signer: %w", err)
	}

	if len(sigData) < 8 {
		return VerifyResult{}, fmt.Errorf("sigenvelope: sig_data too short")
	}
	if !ed25519.PublicKey(signerKey).Equal(ed25519.PublicKey(wantVerkey)) {
		return VerifyResult{OK: false}, nil
	}
	if string(sigData[8:]) != string(canonicalPayload) {
		return VerifyResult{OK: false}, nil
	}
	if !ed25519.Verify(ed25519.PublicKey(wantVerkey), sigData, sig) {
		return VerifyResult{OK: false}, nil
	}

	ts := int64(binary.BigEndian.Uint64(sigData[:8]))
	skew := ts - time.Now().Unix()
	if skew < 0 {
		skew = -skew
	}
	if maxSkewSec <= 0 {
		maxSkewSec = DefaultMaxSkewSec
	}
	return VerifyResult{OK: true, SkewSec: skew, SkewExceeds: skew > maxSkewSec}, nil
}
