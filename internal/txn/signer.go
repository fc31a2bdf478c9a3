package txn

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"crankd/internal/address"
)

// Signer is either a keypair that can produce signatures or a derived
// authority proven structurally by its seeds and bump. Code that needs a
// signature must type-switch to KeypairSigner; a DerivedAuthority never signs.
type Signer interface {
	Address() address.Address
	signer()
}

type KeypairSigner struct {
	key  ed25519.PrivateKey
	addr address.Address
}

func NewKeypairSigner(key ed25519.PrivateKey) (KeypairSigner, error) {
	if len(key) != ed25519.PrivateKeySize {
		return KeypairSigner{}, fmt.Errorf("txn: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	addr, err := address.FromPublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return KeypairSigner{}, err
	}
	return KeypairSigner{key: key, addr: addr}, nil
}

// GenerateKeypair returns a fresh random keypair.
func GenerateKeypair() (KeypairSigner, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeypairSigner{}, err
	}
	return NewKeypairSigner(key)
}

func (k KeypairSigner) Address() address.Address { return k.addr }

func (k KeypairSigner) Sign(msg []byte) []byte { return ed25519.Sign(k.key, msg) }

func (k KeypairSigner) PrivateKey() ed25519.PrivateKey { return k.key }

func (KeypairSigner) signer() {}

// DerivedAuthority is an address a program acts for without a private key.
// Seeds exclude the bump.
type DerivedAuthority struct {
	Seeds [][]byte
	Bump  uint8

	addr address.Address
}

// DeriveAuthority finds the canonical bump for seeds under program.
func DeriveAuthority(program address.Address, seeds ...[]byte) (DerivedAuthority, error) {
	addr, bump, err := address.FindProgramAddress(seeds, program)
	if err != nil {
		return DerivedAuthority{}, err
	}
	return DerivedAuthority{Seeds: seeds, Bump: bump, addr: addr}, nil
}

// NewDerivedAuthority checks an explicit bump.
func NewDerivedAuthority(program address.Address, bump uint8, seeds ...[]byte) (DerivedAuthority, error) {
	addr, err := address.CreateProgramAddress(address.WithBump(seeds, bump), program)
	if err != nil {
		return DerivedAuthority{}, err
	}
	return DerivedAuthority{Seeds: seeds, Bump: bump, addr: addr}, nil
}

func (d DerivedAuthority) Address() address.Address { return d.addr }

// SignerSeeds are the seeds with the bump appended, as the verifier re-derives them.
func (d DerivedAuthority) SignerSeeds() [][]byte { return address.WithBump(d.Seeds, d.Bump) }

func (DerivedAuthority) signer() {}
