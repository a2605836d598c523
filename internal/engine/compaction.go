package engine

import (
	"context"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

// CompactionReport summarises one compaction pass.
type CompactionReport struct {
	TombstonesPurged int `json:"tombstones_purged"`
	RangesDemoted    int `json:"ranges_demoted"`
}

// Compact purges hot-resident tombstones and demotes the oldest warm ranges
// to cold storage once a table holds more than warmMaxRanges of them. Rows
// are only physically removed here; until this pass runs, deletes are
// tombstones so subscribers can observe terminal events. Runs as a normal
// actor turn, so the single-writer guarantee holds throughout.
func (e *Executor) Compact(ctx context.Context, warmMaxRanges int) (CompactionReport, error) {
	var report CompactionReport
	for _, table := range e.Tables() {
		changed := false
		for _, r := range e.tiers.HotRows(table) {
			if r.Deleted {
				e.tiers.Purge(table, r.Key)
				report.TombstonesPurged++
				changed = true
			}
		}
		if warmMaxRanges <= 0 {
			if changed {
				e.migrated(table)
			}
			continue
		}
		warm := e.tiers.Ranges(table, data.TierWarm)
		if len(warm) <= warmMaxRanges {
			if changed {
				e.migrated(table)
			}
			continue
		}
		// Ranges come back oldest first; demote the overflow.
		for _, o := range warm[:len(warm)-warmMaxRanges] {
			if err := e.tiers.Demote(ctx, table, o.Range); err != nil {
				return report, err
			}
			report.RangesDemoted++
			changed = true
		}
		if changed {
			e.migrated(table)
		}
	}
	return report, nil
}
