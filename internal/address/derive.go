package address

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"filippo.io/edwards25519"
)

const (
	// MaxSeeds counts the bump seed too.
	MaxSeeds   = 16
	MaxSeedLen = 32

	derivationMarker = "ProgramDerivedAddress"
)

var (
	ErrMaxSeedLength = errors.New("derived address: seed limits exceeded")
	ErrOnCurve       = errors.New("derived address: result is a valid public key")
	ErrNoViableBump  = errors.New("derived address: no viable bump")
)

// IsOnCurve reports whether b decodes to a point on the ed25519 curve, that is,
// whether someone could hold a private key for it.
func IsOnCurve(b []byte) bool {
	if len(b) != Size {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes seeds under the program namespace. The caller
// supplies the bump as the last seed. It fails with ErrOnCurve when the hash
// lands on a valid public key.
func CreateProgramAddress(seeds [][]byte, program Address) (Address, error) {
	if len(seeds) > MaxSeeds {
		return Zero, ErrMaxSeedLength
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLen {
			return Zero, ErrMaxSeedLength
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(derivationMarker))

	var out Address
	copy(out[:], h.Sum(nil))
	if IsOnCurve(out[:]) {
		return Zero, ErrOnCurve
	}
	return out, nil
}

// FindProgramAddress searches bumps 255 down to 0 and returns the first
// off-curve address together with its bump.
func FindProgramAddress(seeds [][]byte, program Address) (Address, uint8, error) {
	if len(seeds) >= MaxSeeds {
		return Zero, 0, ErrMaxSeedLength
	}
	buf := make([][]byte, len(seeds)+1)
	copy(buf, seeds)
	bump := []byte{0}
	buf[len(seeds)] = bump
	for b := 255; b >= 0; b-- {
		bump[0] = byte(b)
		a, err := CreateProgramAddress(buf, program)
		if err == nil {
			return a, uint8(b), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Zero, 0, err
		}
	}
	return Zero, 0, ErrNoViableBump
}

// WithBump returns seeds with the bump appended, without touching the input.
func WithBump(seeds [][]byte, bump uint8) [][]byte {
	out := make([][]byte, 0, len(seeds)+1)
	out = append(out, seeds...)
	return append(out, []byte{bump})
}

// ---- well-known derivations ----

func u16LE(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func u32LE(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// TaskSeeds are the seeds of the task account occupying slot id in queue.
func TaskSeeds(queue Address, id uint16) [][]byte {
	return [][]byte{[]byte("task"), queue[:], u16LE(id)}
}

func Task(program, queue Address, id uint16) (Address, uint8, error) {
	return FindProgramAddress(TaskSeeds(queue, id), program)
}

// TaskQueueSeeds address queue number id under a config account.
func TaskQueueSeeds(config Address, id uint32) [][]byte {
	return [][]byte{[]byte("task_queue"), config[:], u32LE(id)}
}

func TaskQueue(program, config Address, id uint32) (Address, uint8, error) {
	return FindProgramAddress(TaskQueueSeeds(config, id), program)
}

// QueueAuthoritySeeds is the program-wide authority allowed to queue tasks
// from inside task payloads.
func QueueAuthoritySeeds() [][]byte {
	return [][]byte{[]byte("queue_authority")}
}

func QueueAuthority(program Address) (Address, uint8, error) {
	return FindProgramAddress(QueueAuthoritySeeds(), program)
}

// CustomSignerSeeds scope a delegated wallet to one queue. User seeds come last.
func CustomSignerSeeds(queue Address, seeds ...[]byte) [][]byte {
	out := [][]byte{[]byte("custom"), queue[:]}
	return append(out, seeds...)
}

func CustomSigner(program, queue Address, seeds ...[]byte) (Address, uint8, error) {
	return FindProgramAddress(CustomSignerSeeds(queue, seeds...), program)
}
