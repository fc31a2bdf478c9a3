package bitmap

// Allocate returns up to n free ids in ascending order.
//
// Bytes are scanned left to right, full bytes (0xFF) are skipped, and bits
// within a byte are scanned low to high. A shorter result means the queue is
// full; callers decide whether to wait or fail. The snapshot is not modified,
// so two calls on the same snapshot return the same ids.
func Allocate(s Snapshot, n int) []uint16 {
	return AllocateExcluding(s, n, nil)
}

// AllocateExcluding is Allocate that also skips ids in reserved, such as ids a
// queued task already claimed for its successor through free_task_ids.
func AllocateExcluding(s Snapshot, n int, reserved map[uint16]struct{}) []uint16 {
	if n <= 0 || len(s.bits) == 0 {
		return []uint16{}
	}
	out := make([]uint16, 0, min(n, s.capacity))
	for i, b := range s.bits {
		if b == 0xFF {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			id := i*8 + bit
			if id >= s.capacity {
				return out
			}
			if b&(1<<bit) != 0 {
				continue
			}
			if _, taken := reserved[uint16(id)]; taken {
				continue
			}
			out = append(out, uint16(id))
			if len(out) == n {
				return out
			}
		}
	}
	return out
}
