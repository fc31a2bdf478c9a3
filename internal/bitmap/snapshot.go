// Package bitmap models a task queue's slot occupancy.
//
// Bit i (LSB-first within byte i/8) set means task id i is occupied. A
// Snapshot is an immutable value copied from the ledger; allocation reads it
// and never mutates it. The only authoritative mutation is the ledger's own
// check-and-set when a transaction applies.
package bitmap

import (
	"fmt"
	"math/bits"
)

// MaxCapacity is the largest queue the u16 id space can address.
const MaxCapacity = 1 << 16

// Snapshot is a point-in-time copy of a queue bitmap.
type Snapshot struct {
	capacity int
	bits     []byte
}

// ByteLen is the bitmap length for a queue of the given capacity.
func ByteLen(capacity int) int { return (capacity + 7) / 8 }

// New returns an empty snapshot for capacity slots.
func New(capacity int) Snapshot {
	if capacity < 0 {
		capacity = 0
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	return Snapshot{capacity: capacity, bits: make([]byte, ByteLen(capacity))}
}

// FromBytes copies b. A capacity of 0 means len(b)*8.
func FromBytes(b []byte, capacity int) (Snapshot, error) {
	if capacity == 0 {
		capacity = len(b) * 8
	}
	if capacity > MaxCapacity {
		return Snapshot{}, fmt.Errorf("bitmap: capacity %d exceeds %d", capacity, MaxCapacity)
	}
	if ByteLen(capacity) != len(b) {
		return Snapshot{}, fmt.Errorf("bitmap: %d bytes cannot hold capacity %d", len(b), capacity)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return Snapshot{capacity: capacity, bits: cp}, nil
}

// MustFromBytes is FromBytes with capacity len(b)*8 for fixtures.
func MustFromBytes(b ...byte) Snapshot {
	s, err := FromBytes(b, 0)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Snapshot) Capacity() int { return s.capacity }

// Bytes returns a copy of the wire form.
func (s Snapshot) Bytes() []byte {
	cp := make([]byte, len(s.bits))
	copy(cp, s.bits)
	return cp
}

func (s Snapshot) Occupied(id uint16) bool {
	if int(id) >= s.capacity {
		return false
	}
	return s.bits[id/8]&(1<<(id%8)) != 0
}

// FreeCount counts zero bits below capacity.
func (s Snapshot) FreeCount() int {
	used := 0
	for _, b := range s.bits {
		used += bits.OnesCount8(b)
	}
	// Padding bits past capacity are never set by With, but a foreign bitmap may carry them.
	for id := s.capacity; id < len(s.bits)*8; id++ {
		if s.bits[id/8]&(1<<(id%8)) != 0 {
			used--
		}
	}
	return s.capacity - used
}

// OccupiedIDs lists set bits in ascending order.
func (s Snapshot) OccupiedIDs() []uint16 {
	var out []uint16
	for i, b := range s.bits {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			id := i*8 + bit
			if id >= s.capacity {
				return out
			}
			if b&(1<<bit) != 0 {
				out = append(out, uint16(id))
			}
		}
	}
	return out
}

// With returns a copy with ids marked occupied. Ids past capacity are ignored.
func (s Snapshot) With(ids ...uint16) Snapshot {
	cp := Snapshot{capacity: s.capacity, bits: s.Bytes()}
	for _, id := range ids {
		if int(id) < cp.capacity {
			cp.bits[id/8] |= 1 << (id % 8)
		}
	}
	return cp
}

// Without returns a copy with ids cleared.
func (s Snapshot) Without(ids ...uint16) Snapshot {
	cp := Snapshot{capacity: s.capacity, bits: s.Bytes()}
	for _, id := range ids {
		if int(id) < cp.capacity {
			cp.bits[id/8] &^= 1 << (id % 8)
		}
	}
	return cp
}
