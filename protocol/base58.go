package protocol

import (
	"fmt"
	"math/big"
)

// base58Alphabet is the Bitcoin/IPFS alphabet also used throughout the
// Sovrin/Indy ecosystem for DIDs and verkeys, which is why the protocol's
// ledger~hash decorator is expressed in base58 rather than hex or base64.
// No pack example repo ships an importable base58 codec (the candidates
// live only in other_examples/manifests stubs with no fetchable source),
// so this encoder is written directly rather than as a third-party
// dependency.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// Base58Encode encodes b using the Bitcoin alphabet, preserving leading
// zero bytes as leading '1's.
func Base58Encode(b []byte) string {
	zero := byte(0)
	var leadingZeros int
	for leadingZeros < len(b) && b[leadingZeros] == zero {
		leadingZeros++
	}

	num := new(big.Int).SetBytes(b)
	base := big.NewInt(58)
	mod := new(big.Int)
	var out []byte
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for i := 0; i < leadingZeros; i++ {
		out = append(out, base58Alphabet[0])
	}
	// reverse
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

var base58Index = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i, c := range []byte(base58Alphabet) {
		idx[c] = int8(i)
	}
	return idx
}()

// Base58Decode reverses Base58Encode.
func Base58Decode(s string) ([]byte, error) {
	var leadingZeros int
	for leadingZeros < len(s) && s[leadingZeros] == base58Alphabet[0] {
		leadingZeros++
	}

	num := new(big.Int)
	base := big.NewInt(58)
	for i := 0; i < len(s); i++ {
		v := base58Index[s[i]]
		if v < 0 {
			return nil, fmt.Errorf("protocol: invalid base58 character %q", s[i])
		}
		num.Mul(num, base)
		num.Add(num, big.NewInt(int64(v)))
	}

	decoded := num.Bytes()
	out := make([]byte, leadingZeros+len(decoded))
	copy(out[leadingZeros:], decoded)
	return out, nil
}
