package zpage

import "sort"

// Compact rewrites the tuple region, squeezing out the holes left by
// reclaimed tuples. Line pointers do not move (their index is
// unchanged); only the byte offset a Normal line pointer carries is
// updated to the tuple's new position. Unused and Deleted line
// pointers are left alone.
func (p *Page) Compact() {
	type occupant struct {
		lineIdx int
		offset  uint16
		length  uint16
	}
	var occupants []occupant
	for i := 0; i < p.NumLinePointers(); i++ {
		lp := p.LinePointer(i)
		if lp.State == Normal {
			occupants = append(occupants, occupant{i, lp.Offset, lp.Length})
		}
	}
	// Preserve relative order of tuples in the page image (by current
	// offset, descending, since the tuple region grows downward from
	// the special area) so compaction never reorders surviving tuples
	// relative to one another.
	sort.Slice(occupants, func(a, b int) bool { return occupants[a].offset > occupants[b].offset })

	newUpper := p.SpecialStart
	for _, occ := range occupants {
		data := p.ReadTuple(occ.offset, occ.length)
		aligned := uint16(AlignUp(len(data)))
		newUpper -= aligned
		copy(p.buf[newUpper:int(newUpper)+len(data)], data)
		lp := p.LinePointer(occ.lineIdx)
		lp.Offset = newUpper
		p.SetLinePointer(occ.lineIdx, lp)
	}
	p.Upper = newUpper
}
