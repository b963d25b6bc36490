package chord

import (
	"fmt"
	"strings"

	"github.com/zde37/chordkv/internal/ring"
	"github.com/zde37/chordkv/pkg"
)

// FingerEntry represents row k of a node's finger table.
// It routes the interval [Start, NextStart) to Node.
type FingerEntry struct {
	Index     int     // 1-based row number
	Start     ring.ID // (n + 2^(k-1)) mod 2^M
	NextStart ring.ID // (n + 2^k) mod 2^M, or n for the last row
	Node      ring.ID // Best known successor of Start

	space ring.Space
}

// NewFingerEntry creates row k of node n's finger table. Node starts out as n.
func NewFingerEntry(space ring.Space, n ring.ID, k int) (FingerEntry, error) {
	if !space.Valid(uint64(n)) {
		return FingerEntry{}, fmt.Errorf("%w: node %d outside ring of size %d",
			pkg.ErrInvalidArgument, n, space.Size())
	}
	if k <= 0 || k > space.Bits() {
		return FingerEntry{}, fmt.Errorf("%w: finger index %d outside [1, %d]",
			pkg.ErrInvalidArgument, k, space.Bits())
	}

	next := n
	if k < space.Bits() {
		next = space.Add(n, k)
	}

	return FingerEntry{
		Index:     k,
		Start:     space.Add(n, k-1),
		NextStart: next,
		Node:      n,
		space:     space,
	}, nil
}

// Interval returns [Start, NextStart).
func (f FingerEntry) Interval() ring.Interval {
	return f.space.Interval(f.Start, f.NextStart)
}

// Contains reports whether id falls in this finger's interval.
func (f FingerEntry) Contains(id ring.ID) bool {
	return f.Interval().Contains(id)
}

// String returns a human-readable representation of the finger entry.
func (f FingerEntry) String() string {
	return fmt.Sprintf("%d: %d | %s | %d", f.Index, f.Start, f.Interval(), f.Node)
}

// FingerTable holds the M routing entries of a node, indexed 1..M.
// It is not safe for concurrent use; the owning Node serialises access.
type FingerTable struct {
	owner   ring.ID
	space   ring.Space
	entries []FingerEntry
}

// NewFingerTable builds the table for node n with every entry pointing at n.
func NewFingerTable(space ring.Space, n ring.ID) (*FingerTable, error) {
	entries := make([]FingerEntry, space.Bits())
	for k := 1; k <= space.Bits(); k++ {
		entry, err := NewFingerEntry(space, n, k)
		if err != nil {
			return nil, err
		}
		entries[k-1] = entry
	}

	return &FingerTable{
		owner:   n,
		space:   space,
		entries: entries,
	}, nil
}

// Len returns M.
func (ft *FingerTable) Len() int {
	return len(ft.entries)
}

// Entry returns a copy of row k. It panics on an index outside [1, M].
func (ft *FingerTable) Entry(k int) FingerEntry {
	return ft.entries[k-1]
}

// SetNode points row k at id.
func (ft *FingerTable) SetNode(k int, id ring.ID) {
	ft.entries[k-1].Node = id
}

// Successor returns the node of row 1.
func (ft *FingerTable) Successor() ring.ID {
	return ft.entries[0].Node
}

// SetSuccessor points row 1 at id.
func (ft *FingerTable) SetSuccessor(id ring.ID) {
	ft.entries[0].Node = id
}

// Fill points every row at id.
func (ft *FingerTable) Fill(id ring.ID) {
	for i := range ft.entries {
		ft.entries[i].Node = id
	}
}

// Entries returns a snapshot of all rows in index order.
func (ft *FingerTable) Entries() []FingerEntry {
	out := make([]FingerEntry, len(ft.entries))
	copy(out, ft.entries)
	return out
}

// String renders the start | interval | successor chart.
func (ft *FingerTable) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node %d finger table\n", ft.owner)
	b.WriteString("k: start | interval | succ\n")
	for _, e := range ft.entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
