package tier

import (
	"sort"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

// OffloadedRange describes one immutable batch of rows that left the hot
// tier: the revision interval it covers, where it lives, and the keys it
// contains so Locate never has to fetch the batch.
type OffloadedRange struct {
	Range data.RevRange `json:"range"`
	Tier  data.Tier     `json:"tier"`
	Keys  []int64       `json:"keys"`
	Rows  int           `json:"rows"`
	Bytes int64         `json:"bytes"`
}

func (o OffloadedRange) hasKey(key int64) bool {
	for _, k := range o.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// Pointer is the per-table tier metadata: which revision ranges live where,
// and the hot-tier thresholds that trigger migration. Owned exclusively by
// the Manager.
type Pointer struct {
	Table      string           `json:"table"`
	Offloaded  []OffloadedRange `json:"offloaded"`
	HotRows    int              `json:"hot_rows"`
	HotBytes   int64            `json:"hot_bytes"`
	HotMaxRows int              `json:"hot_max_rows"`
	HotMaxSize int64            `json:"hot_max_size"`
}

// ranges returns the offloaded ranges resident in the given tier, ordered
// by ascending revision.
func (p *Pointer) ranges(t data.Tier) []OffloadedRange {
	var out []OffloadedRange
	for _, o := range p.Offloaded {
		if o.Tier == t {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Lo < out[j].Range.Lo })
	return out
}

func (p *Pointer) overThreshold() bool {
	if p.HotMaxRows > 0 && p.HotRows > p.HotMaxRows {
		return true
	}
	if p.HotMaxSize > 0 && p.HotBytes > p.HotMaxSize {
		return true
	}
	return false
}

// dropRange removes the offloaded entry exactly matching rng in the given
// tier. Reports whether an entry was removed.
func (p *Pointer) dropRange(t data.Tier, rng data.RevRange) bool {
	for i, o := range p.Offloaded {
		if o.Tier == t && o.Range == rng {
			p.Offloaded = append(p.Offloaded[:i], p.Offloaded[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pointer) findRange(t data.Tier, rng data.RevRange) (OffloadedRange, bool) {
	for _, o := range p.Offloaded {
		if o.Tier == t && o.Range == rng {
			return o, true
		}
	}
	return OffloadedRange{}, false
}
