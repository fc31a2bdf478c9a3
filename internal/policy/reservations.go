package policy

import (
	"slices"

	"crankd/internal/ledger"
)

// Conflict is a free id claimed by more than one occupied task. Which claim
// wins is decided by whichever run the ledger applies first.
type Conflict struct {
	ID     uint16
	Claims []uint16 // claiming task ids, ascending
}

// Reservations are the ids promised to successors through FreeTaskIDs.
type Reservations struct {
	claims map[uint16][]uint16
}

// Reserve collects the FreeTaskIDs claims of the occupied tasks.
func Reserve(tasks []*ledger.Task) Reservations {
	r := Reservations{claims: map[uint16][]uint16{}}
	for _, t := range tasks {
		for _, id := range t.FreeTaskIDs {
			if !slices.Contains(r.claims[id], t.ID) {
				r.claims[id] = append(r.claims[id], t.ID)
			}
		}
	}
	return r
}

func (r Reservations) Claimed(id uint16) bool { return len(r.claims[id]) > 0 }

func (r Reservations) Len() int { return len(r.claims) }

// Excluded is the reserved set in the form AllocateExcluding takes. The map is
// a fresh copy the caller may extend.
func (r Reservations) Excluded() map[uint16]struct{} {
	out := make(map[uint16]struct{}, len(r.claims))
	for id := range r.claims {
		out[id] = struct{}{}
	}
	return out
}

func (r Reservations) Conflicts() []Conflict {
	var out []Conflict
	for id, claims := range r.claims {
		if len(claims) > 1 {
			c := Conflict{ID: id, Claims: slices.Clone(claims)}
			slices.Sort(c.Claims)
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b Conflict) int { return int(a.ID) - int(b.ID) })
	return out
}
