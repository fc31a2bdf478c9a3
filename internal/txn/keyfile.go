package txn

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mr-tron/base58"
)

// LoadKeypair reads a keypair file: either a JSON array of the 64 private key
// bytes (or the 32 byte seed) or the same bytes as one base58 string.
func LoadKeypair(path string) (KeypairSigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return KeypairSigner{}, fmt.Errorf("txn: read keypair: %w", err)
	}
	key, err := ParseKeypair(raw)
	if err != nil {
		return KeypairSigner{}, fmt.Errorf("txn: keypair %s: %w", path, err)
	}
	return key, nil
}

func ParseKeypair(raw []byte) (KeypairSigner, error) {
	s := strings.TrimSpace(string(raw))
	var b []byte
	if strings.HasPrefix(s, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return KeypairSigner{}, err
		}
		b = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return KeypairSigner{}, fmt.Errorf("byte %d out of range: %d", i, v)
			}
			b[i] = byte(v)
		}
	} else {
		var err error
		if b, err = base58.Decode(s); err != nil {
			return KeypairSigner{}, err
		}
	}
	if len(b) == ed25519.SeedSize {
		return NewKeypairSigner(ed25519.NewKeyFromSeed(b))
	}
	return NewKeypairSigner(ed25519.PrivateKey(b))
}

// SaveKeypair writes k as a JSON byte array readable by LoadKeypair.
func SaveKeypair(path string, k KeypairSigner) error {
	ints := make([]int, len(k.key))
	for i, v := range k.key {
		ints[i] = int(v)
	}
	b, err := json.Marshal(ints)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
