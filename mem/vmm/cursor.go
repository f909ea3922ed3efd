package vmm

import (
	"ostd/arch"
	"ostd/kerrors"
)

// Cursor is a position within one PageTable's virtual address range,
// opened with Open and advanced by Jump. Map/Unmap/Protect/Query
// operate on the single page at the cursor's current address
// (spec.md §4.C's cursor-based API): intermediate tables are
// allocated lazily on Map and collapsed on Unmap when they become
// empty.
type Cursor struct {
	pt    *PageTable
	start arch.Vaddr
	end   arch.Vaddr
	va    arch.Vaddr
}

// Open returns a cursor over [start, end), positioned at start.
func (pt *PageTable) Open(start, end arch.Vaddr) (*Cursor, error) {
	if end <= start {
		return nil, kerrors.InvalidArgs
	}
	return &Cursor{pt: pt, start: start, va: start, end: end}, nil
}

// Jump repositions the cursor to va, which must lie within the range
// it was opened with.
func (c *Cursor) Jump(va arch.Vaddr) error {
	if va < c.vaFloor() || va >= c.end {
		return kerrors.InvalidArgs
	}
	c.va = va
	return nil
}

func (c *Cursor) vaFloor() arch.Vaddr { return c.start }

// walkToLeaf descends from the root to the level-0 table covering
// c.va, allocating intermediate tables along the way if alloc is
// true. It returns the paddr of the level-0 table and the index of
// c.va's entry within it, or ok=false if a required intermediate
// table is missing and alloc is false.
func (c *Cursor) walkToLeaf(alloc bool) (tablePa arch.Paddr, index int, ok bool, err error) {
	tablePa = c.pt.root.Paddr()
	for level := arch.NRLevels - 1; level >= 1; level-- {
		idx := levelIndex(c.va, level)
		pte := c.pt.readEntry(tablePa, idx)
		if !pte.IsPresent() {
			if !alloc {
				return 0, 0, false, nil
			}
			childPa, aerr := c.pt.allocChildTable(tablePa, idx)
			if aerr != nil {
				return 0, 0, false, aerr
			}
			tablePa = childPa
			continue
		}
		tablePa = pte.Paddr()
	}
	return tablePa, levelIndex(c.va, 0), true, nil
}

// Map installs a present, last-level mapping of c.va to paddr with
// prop, allocating any missing intermediate tables.
func (c *Cursor) Map(paddr arch.Paddr, prop arch.PageProp) error {
	tablePa, idx, _, err := c.walkToLeaf(true)
	if err != nil {
		return err
	}
	c.pt.writeEntry(tablePa, idx, arch.NewPagePTE(paddr, prop))
	return nil
}

// Unmap clears c.va's mapping, if any, and collapses any
// now-empty intermediate tables on the path back to the root.
func (c *Cursor) Unmap() error {
	path, idxs, ok, err := c.walkPath()
	if err != nil {
		return err
	}
	if !ok {
		return nil // already unmapped; spec.md's operations are idempotent on a miss
	}
	leafTable := path[len(path)-1]
	c.pt.writeEntry(leafTable, idxs[len(idxs)-1], 0)

	// Collapse empty intermediate tables bottom-up, stopping at the root.
	for level := 1; level < len(path); level++ {
		child := path[len(path)-level]
		parent := path[len(path)-level-1]
		parentIdx := idxs[len(idxs)-level-1]
		if !c.pt.tableEmpty(child) {
			break
		}
		c.pt.writeEntry(parent, parentIdx, 0)
		c.pt.freeTable(child)
	}
	return nil
}

// walkPath returns every table paddr and index from the root down to
// the level-0 table covering c.va, without allocating. ok is false if
// the path is broken before reaching the leaf (already unmapped).
func (c *Cursor) walkPath() (tables []arch.Paddr, idxs []int, ok bool, err error) {
	tablePa := c.pt.root.Paddr()
	tables = append(tables, tablePa)
	for level := arch.NRLevels - 1; level >= 1; level-- {
		idx := levelIndex(c.va, level)
		idxs = append(idxs, idx)
		pte := c.pt.readEntry(tablePa, idx)
		if !pte.IsPresent() {
			return tables, idxs, false, nil
		}
		tablePa = pte.Paddr()
		tables = append(tables, tablePa)
	}
	idxs = append(idxs, levelIndex(c.va, 0))
	return tables, idxs, true, nil
}

// Protect rewrites the permission/cache-policy bits of c.va's existing
// mapping without disturbing its paddr. Fails with PageFault if c.va
// is not currently mapped.
func (c *Cursor) Protect(prop arch.PageProp) error {
	tablePa, idx, ok, err := c.walkToLeaf(false)
	if err != nil {
		return err
	}
	if !ok {
		return kerrors.PageFault
	}
	pte := c.pt.readEntry(tablePa, idx)
	if !pte.IsPresent() {
		return kerrors.PageFault
	}
	c.pt.writeEntry(tablePa, idx, pte.SetProp(prop))
	return nil
}

// QueryResult is the present mapping Query reports, if any.
type QueryResult struct {
	Paddr arch.Paddr
	Prop  arch.PageProp
}

// Query reports c.va's current mapping, or ok=false if unmapped.
func (c *Cursor) Query() (res QueryResult, ok bool, err error) {
	tablePa, idx, found, err := c.walkToLeaf(false)
	if err != nil || !found {
		return QueryResult{}, false, err
	}
	pte := c.pt.readEntry(tablePa, idx)
	if !pte.IsPresent() {
		return QueryResult{}, false, nil
	}
	return QueryResult{Paddr: pte.Paddr(), Prop: pte.Prop()}, true, nil
}
