// Package wallet implements the local keystore: Ed25519 DID keypairs
// generated and held in memory for signing, and an on-disk AES-KW wrapped
// export/import format for moving a key between agents or backing it up,
// grounded on node/keymgr.go's keystore commands.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"

	"microledger.dev/consensus/protocol"
)

// KeyStoreV1 is the on-disk wrapped-key format.
type KeyStoreV1 struct {
	Version      string `json:"version"` // "MLKSv1"
	DID          string `json:"did"`
	VerkeyB64    string `json:"verkey_b64"`
	WrapAlg      string `json:"wrap_alg"` // "AES-256-KW"
	SaltHex      string `json:"salt_hex"`
	WrappedSeedHex string `json:"wrapped_seed_hex"`
}

const keystoreVersion = "MLKSv1"
const hkdfInfo = "microledger/wallet/kek/v1"

// DIDFor derives the did:key-style identifier for an Ed25519 public key: a
// base58 encoding of its SHA-256 digest (mirroring protocol.LedgerHashOf's
// own "hash, then base58" convention so the two use one encoding end to
// end).
func DIDFor(pub ed25519.PublicKey) string {
	digest := sha256.Sum256(pub)
	return "did:key:z" + protocol.Base58Encode(digest[:])
}

// GenerateKey mints a fresh Ed25519 DID keypair.
func GenerateKey() (did string, pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, nil, err
	}
	return DIDFor(pub), pub, priv, nil
}

func deriveKEK(passphrase string, salt []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, []byte(passphrase), salt, []byte(hkdfInfo))
	kek := make([]byte, 32)
	if _, err := io.ReadFull(kdf, kek); err != nil {
		return nil, fmt.Errorf("wallet: derive kek: %w", err)
	}
	return kek, nil
}

// ExportWrapped wraps priv's seed under a passphrase-derived KEK and writes
// it to path as a KeyStoreV1 JSON document.
func ExportWrapped(path string, priv ed25519.PrivateKey, passphrase string) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("wallet: not an ed25519 private key")
	}
	seed := priv.Seed() // 32 bytes
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	kek, err := deriveKEK(passphrase, salt)
	if err != nil {
		return err
	}
	wrapped, err := aesKeyWrap(kek, seed)
	if err != nil {
		return err
	}

	pub := priv.Public().(ed25519.PublicKey)
	ks := KeyStoreV1{
		Version:        keystoreVersion,
		DID:            DIDFor(pub),
		VerkeyB64:      protocol.Base58Encode(pub),
		WrapAlg:        "AES-256-KW",
		SaltHex:        hex.EncodeToString(salt),
		WrappedSeedHex: hex.EncodeToString(wrapped),
	}
	b, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o600)
}

func readKeystore(path string) (*KeyStoreV1, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks KeyStoreV1
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, err
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("wallet: unsupported keystore version %q", ks.Version)
	}
	if strings.ToUpper(ks.WrapAlg) != "AES-256-KW" {
		return nil, fmt.Errorf("wallet: unsupported wrap_alg %q", ks.WrapAlg)
	}
	return &ks, nil
}

// ImportWrapped reads and unwraps a KeyStoreV1 file, returning the DID and
// reconstructed private key.
func ImportWrapped(path string, passphrase string) (string, ed25519.PrivateKey, error) {
	ks, err := readKeystore(path)
	if err != nil {
		return "", nil, err
	}
	salt, err := hex.DecodeString(ks.SaltHex)
	if err != nil {
		return "", nil, fmt.Errorf("wallet: salt_hex: %w", err)
	}
	wrapped, err := hex.DecodeString(ks.WrappedSeedHex)
	if err != nil {
		return "", nil, fmt.Errorf("wallet: wrapped_seed_hex: %w", err)
	}
	kek, err := deriveKEK(passphrase, salt)
	if err != nil {
		return "", nil, err
	}
	seed, err := aesKeyUnwrap(kek, wrapped)
	if err != nil {
		return "", nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if DIDFor(pub) != ks.DID {
		return "", nil, fmt.Errorf("wallet: unwrapped key does not match keystore DID %q", ks.DID)
	}
	return ks.DID, priv, nil
}

// VerifyPubkey checks that a keystore file's recorded verkey is
// self-consistent with its DID, without needing the passphrase. It is the
// non-secret companion to ImportWrapped used to sanity-check a keystore
// before shipping it to another operator.
func VerifyPubkey(path string) (did string, verkeyB64 string, err error) {
	ks, err := readKeystore(path)
	if err != nil {
		return "", "", err
	}
	if DIDFor(mustPubFromB58(ks.VerkeyB64)) != ks.DID {
		return "", "", fmt.Errorf("wallet: keystore verkey does not match its own did %q", ks.DID)
	}
	return ks.DID, ks.VerkeyB64, nil
}

func mustPubFromB58(b58 string) ed25519.PublicKey {
	b, err := protocol.Base58Decode(b58)
	if err != nil {
		return nil
	}
	return ed25519.PublicKey(b)
}
