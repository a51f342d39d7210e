package protocol

import (
	"bytes"
	"testing"
)

func TestBase58RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x00, 0x00, 0x01},
		{0xde, 0xad, 0xbe, 0xef},
		[]byte("the quick brown fox"),
	}
	for _, in := range cases {
		enc := Base58Encode(in)
		dec, err := Base58Decode(enc)
		if err != nil {
			t.Fatalf("decode(%q): %v", enc, err)
		}
		if !bytes.Equal(dec, in) {
			t.Fatalf("round trip mismatch: in=%x out=%x (encoded %q)", in, dec, enc)
		}
	}
}

func TestBase58DecodeRejectsInvalidCharacter(t *testing.T) {
	if _, err := Base58Decode("0OIl"); err == nil {
		t.Fatal("expected an error decoding characters outside the alphabet")
	}
}
