package index

import (
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Horizon is the input of the retention rule: the pinned snapshot ceilings
// and the visible watermark.
type Horizon struct {
	Pins      []uint64
	Watermark uint64
}

// Retain applies the retention rule to a version list:
//   - every version newer than the watermark is kept
//   - the version visible at each pin and at the watermark is kept
//   - a kept tombstone with no older kept version is dropped
//
// The result shares no memory with vs. It is nil when nothing survives.
func Retain(vs []Version, h Horizon) []Version {
	keep := make([]bool, len(vs))
	mark := func(ceiling uint64) {
		for i := len(vs) - 1; i >= 0; i-- {
			if vs[i].ID <= ceiling {
				keep[i] = true
				return
			}
		}
	}
	for i := range vs {
		if vs[i].ID > h.Watermark {
			keep[i] = true
		}
	}
	for _, p := range h.Pins {
		mark(p)
	}
	mark(h.Watermark)

	var out []Version
	for i, v := range vs {
		if !keep[i] {
			continue
		}
		if v.Tombstone && len(out) == 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Survivors returns the ids <= cut that the retention rule keeps.
func (ix *Index) Survivors(cut uint64, h Horizon) *roaring64.Bitmap {
	bm := roaring64.New()
	for _, t := range ix.allTrees() {
		t.clone().Ascend(func(e *Entry) bool {
			for _, v := range Retain(e.Versions, h) {
				if v.ID <= cut {
					bm.Add(v.ID)
				}
			}
			return true
		})
	}
	return bm
}

// PruneStats reports what Prune released.
type PruneStats struct {
	Versions int64
	Entries  int64
	Bytes    int64
}

// Prune drops versions the retention rule no longer needs. A tree is locked
// while it is pruned so concurrent Apply calls cannot be lost.
func (ix *Index) Prune(h Horizon) PruneStats {
	var st PruneStats
	for _, t := range ix.allTrees() {
		t.mu.Lock()
		var replace, remove []*Entry
		t.items.Ascend(func(e *Entry) bool {
			kept := Retain(e.Versions, h)
			if len(kept) == len(e.Versions) {
				return true
			}
			st.Versions += int64(len(e.Versions) - len(kept))
			if len(kept) == 0 {
				st.Entries++
				st.Bytes += entrySize(e)
				remove = append(remove, e)
				return true
			}
			ne := &Entry{Key: e.Key, Versions: kept}
			st.Bytes += entrySize(e) - entrySize(ne)
			replace = append(replace, ne)
			return true
		})
		for _, e := range remove {
			t.items.Delete(e)
		}
		for _, e := range replace {
			t.items.ReplaceOrInsert(e)
		}
		t.mu.Unlock()
	}
	return st
}

// NewHorizon sorts and dedupes pins.
func NewHorizon(pins []uint64, watermark uint64) Horizon {
	ps := slices.Clone(pins)
	slices.Sort(ps)
	return Horizon{Pins: slices.Compact(ps), Watermark: watermark}
}
