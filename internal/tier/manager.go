package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/mohammad-safakhou/agentdb/internal/data"
	"github.com/mohammad-safakhou/agentdb/internal/telemetry"
)

// Thresholds bound the hot tier. Zero values disable the corresponding
// check.
type Thresholds struct {
	HotMaxRows int
	HotMaxSize int64
}

// Manager owns the mapping from logical rows to physical tiers for one
// instance. It is not safe for concurrent use: the owning instance actor
// serialises every call, which is what makes migration atomic with respect
// to reads.
type Manager struct {
	instance   string
	warm       RangeStore
	cold       RangeStore
	thresholds Thresholds

	pointers map[string]*Pointer
	hot      map[string]map[int64]data.Record

	logger *log.Logger
}

// NewManager builds a tier manager for one instance. Warm and cold stores
// may be the same implementation in single-node setups.
func NewManager(instance string, warm, cold RangeStore, th Thresholds, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[TIER] ", log.LstdFlags)
	}
	return &Manager{
		instance:   instance,
		warm:       warm,
		cold:       cold,
		thresholds: th,
		pointers:   make(map[string]*Pointer),
		hot:        make(map[string]map[int64]data.Record),
		logger:     logger,
	}
}

func (m *Manager) store(t data.Tier) RangeStore {
	if t == data.TierCold {
		return m.cold
	}
	return m.warm
}

// Pointer returns the tier pointer for a table, creating it lazily on first
// use. Callers outside the package must treat it as read-only.
func (m *Manager) Pointer(table string) *Pointer {
	p, ok := m.pointers[table]
	if !ok {
		p = &Pointer{
			Table:      table,
			HotMaxRows: m.thresholds.HotMaxRows,
			HotMaxSize: m.thresholds.HotMaxSize,
		}
		m.pointers[table] = p
		m.hot[table] = make(map[int64]data.Record)
	}
	return p
}

// Locate reports which tier currently holds the row with the given key.
func (m *Manager) Locate(table string, key int64) (data.Tier, bool) {
	p := m.Pointer(table)
	if _, ok := m.hot[table][key]; ok {
		return data.TierHot, true
	}
	for _, o := range p.Offloaded {
		if o.hasKey(key) {
			return o.Tier, true
		}
	}
	return "", false
}

// HotRows returns the hot-resident rows of a table ordered by ascending
// revision. Tombstones are included; predicate evaluation skips them.
func (m *Manager) HotRows(table string) []data.Record {
	rows := make([]data.Record, 0, len(m.hot[table]))
	for _, r := range m.hot[table] {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Revision < rows[j].Revision })
	return rows
}

// Ranges returns the offloaded ranges of a table resident in the given
// tier, ordered by ascending revision. The compaction pass walks these.
func (m *Manager) Ranges(table string, t data.Tier) []OffloadedRange {
	return m.Pointer(table).ranges(t)
}

func recordBytes(r data.Record) int64 {
	raw, err := json.Marshal(r.Fields)
	if err != nil {
		return 0
	}
	return int64(len(raw))
}

// RecordWrite places a new or mutated row in the hot tier and evicts the
// oldest-revision rows to warm storage if the write pushed the table over
// its thresholds. Eviction is FIFO by revision, never by access time.
func (m *Manager) RecordWrite(ctx context.Context, table string, rec data.Record) error {
	p := m.Pointer(table)
	rec.Tier = data.TierHot
	if old, ok := m.hot[table][rec.Key]; ok {
		p.HotBytes -= recordBytes(old)
		p.HotRows--
	}
	m.hot[table][rec.Key] = rec
	p.HotRows++
	p.HotBytes += recordBytes(rec)
	if p.overThreshold() {
		return m.evict(ctx, table)
	}
	return nil
}

// evict moves the oldest-revision hot rows to warm storage until the table
// is back under its thresholds. The batch is written to warm storage before
// any in-memory state changes, so a store failure leaves residency intact.
func (m *Manager) evict(ctx context.Context, table string) error {
	p := m.Pointer(table)
	rows := m.HotRows(table)

	var batch []data.Record
	remainingRows := p.HotRows
	remainingBytes := p.HotBytes
	for _, r := range rows {
		under := true
		if p.HotMaxRows > 0 && remainingRows > p.HotMaxRows {
			under = false
		}
		if p.HotMaxSize > 0 && remainingBytes > p.HotMaxSize {
			under = false
		}
		if under {
			break
		}
		batch = append(batch, r)
		remainingRows--
		remainingBytes -= recordBytes(r)
	}
	if len(batch) == 0 {
		return nil
	}

	rng := data.RevRange{Lo: batch[0].Revision, Hi: batch[len(batch)-1].Revision}
	offloaded := OffloadedRange{Range: rng, Tier: data.TierWarm, Rows: len(batch)}
	for i := range batch {
		batch[i].Tier = data.TierWarm
		offloaded.Keys = append(offloaded.Keys, batch[i].Key)
		offloaded.Bytes += recordBytes(batch[i])
	}

	if err := m.warm.Put(ctx, m.instance, table, rng, batch); err != nil {
		return data.ErrTierUnavailable{Table: table, Tier: data.TierWarm, Cause: err}
	}
	for _, r := range batch {
		delete(m.hot[table], r.Key)
	}
	p.HotRows -= offloaded.Rows
	p.HotBytes -= offloaded.Bytes
	p.Offloaded = append(p.Offloaded, offloaded)
	telemetry.Evictions.WithLabelValues(string(data.TierWarm)).Inc()
	m.logger.Printf("table %s: evicted revisions %d-%d (%d rows) to warm", table, rng.Lo, rng.Hi, len(batch))
	return nil
}

// Promote copies one offloaded revision range back into hot residency and
// removes it from its slower tier. All-or-nothing: on any store failure the
// pointer and hot rows are untouched.
func (m *Manager) Promote(ctx context.Context, table string, rng data.RevRange) error {
	p := m.Pointer(table)
	var src OffloadedRange
	var found bool
	for _, o := range p.Offloaded {
		if o.Range == rng {
			src, found = o, true
			break
		}
	}
	if !found {
		return fmt.Errorf("table %s: revision range %d-%d is not offloaded", table, rng.Lo, rng.Hi)
	}
	rows, err := m.store(src.Tier).Get(ctx, m.instance, table, rng)
	if err != nil {
		return data.ErrTierUnavailable{Table: table, Tier: src.Tier, Cause: err}
	}
	m.adoptHot(table, rows)
	p.dropRange(src.Tier, rng)
	if err := m.store(src.Tier).Delete(ctx, m.instance, table, rng); err != nil {
		// The batch is promoted either way; a stale copy in the slower
		// tier is unreachable because the pointer no longer lists it.
		m.logger.Printf("table %s: stale %s batch %d-%d left behind: %v", table, src.Tier, rng.Lo, rng.Hi, err)
	}
	telemetry.Promotions.Inc()
	return nil
}

// adoptHot installs promoted rows as hot residents and updates counters.
func (m *Manager) adoptHot(table string, rows []data.Record) {
	p := m.Pointer(table)
	for _, r := range rows {
		r.Tier = data.TierHot
		if old, ok := m.hot[table][r.Key]; ok {
			p.HotBytes -= recordBytes(old)
			p.HotRows--
		}
		m.hot[table][r.Key] = r
		p.HotRows++
		p.HotBytes += recordBytes(r)
	}
}

// PromoteMatching performs a promotion read: every offloaded batch is
// inspected and, where the predicate matches, the minimal matching revision
// range is copied into hot residency. The non-matching remainder of a batch
// stays offloaded as split ranges. Returns the number of rows promoted.
func (m *Manager) PromoteMatching(ctx context.Context, table string, pred *data.Predicate) (int, error) {
	p := m.Pointer(table)
	// Snapshot: splitting mutates the offloaded list.
	offloaded := make([]OffloadedRange, len(p.Offloaded))
	copy(offloaded, p.Offloaded)

	promoted := 0
	for _, o := range offloaded {
		rows, err := m.store(o.Tier).Get(ctx, m.instance, table, o.Range)
		if err != nil {
			return promoted, data.ErrTierUnavailable{Table: table, Tier: o.Tier, Cause: err}
		}
		var lo, hi int64 = -1, -1
		for _, r := range rows {
			ok, err := pred.Eval(r, nil)
			if err != nil {
				return promoted, err
			}
			if !ok {
				continue
			}
			if lo == -1 || r.Revision < lo {
				lo = r.Revision
			}
			if r.Revision > hi {
				hi = r.Revision
			}
		}
		if lo == -1 {
			continue
		}
		n, err := m.promoteSubRange(ctx, table, o, rows, data.RevRange{Lo: lo, Hi: hi})
		if err != nil {
			return promoted, err
		}
		promoted += n
	}
	return promoted, nil
}

// PromoteKeys promotes every offloaded batch containing one of the given
// keys. Used when a text-index lookup resolves keys that are not hot.
// Returns the number of ranges promoted.
func (m *Manager) PromoteKeys(ctx context.Context, table string, keys []int64) (int, error) {
	p := m.Pointer(table)
	want := make(map[int64]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var ranges []data.RevRange
	for _, o := range p.Offloaded {
		for _, k := range o.Keys {
			if want[k] {
				ranges = append(ranges, o.Range)
				break
			}
		}
	}
	for i, rng := range ranges {
		if err := m.Promote(ctx, table, rng); err != nil {
			// Earlier ranges already moved; report them so the caller
			// can persist the changed pointer.
			return i, err
		}
	}
	return len(ranges), nil
}

// promoteSubRange pulls the rows inside sub into hot residency and re-files
// the remainder of the batch as narrower offloaded ranges. New batches are
// written before the old one is dropped so a failure never loses rows.
func (m *Manager) promoteSubRange(ctx context.Context, table string, o OffloadedRange, rows []data.Record, sub data.RevRange) (int, error) {
	p := m.Pointer(table)
	var take, before, after []data.Record
	for _, r := range rows {
		switch {
		case sub.Contains(r.Revision):
			take = append(take, r)
		case r.Revision < sub.Lo:
			before = append(before, r)
		default:
			after = append(after, r)
		}
	}

	splits := make([]OffloadedRange, 0, 2)
	for _, part := range [][]data.Record{before, after} {
		if len(part) == 0 {
			continue
		}
		sort.Slice(part, func(i, j int) bool { return part[i].Revision < part[j].Revision })
		rng := data.RevRange{Lo: part[0].Revision, Hi: part[len(part)-1].Revision}
		split := OffloadedRange{Range: rng, Tier: o.Tier, Rows: len(part)}
		for _, r := range part {
			split.Keys = append(split.Keys, r.Key)
			split.Bytes += recordBytes(r)
		}
		if err := m.store(o.Tier).Put(ctx, m.instance, table, rng, part); err != nil {
			return 0, data.ErrTierUnavailable{Table: table, Tier: o.Tier, Cause: err}
		}
		splits = append(splits, split)
	}

	m.adoptHot(table, take)
	p.dropRange(o.Tier, o.Range)
	p.Offloaded = append(p.Offloaded, splits...)
	if err := m.store(o.Tier).Delete(ctx, m.instance, table, o.Range); err != nil {
		m.logger.Printf("table %s: stale %s batch %d-%d left behind: %v", table, o.Tier, o.Range.Lo, o.Range.Hi, err)
	}
	telemetry.Promotions.Inc()
	m.logger.Printf("table %s: promoted revisions %d-%d (%d rows) from %s", table, sub.Lo, sub.Hi, len(take), o.Tier)
	return len(take), nil
}

// Demote moves a warm batch to cold storage. Used by the compaction pass
// for ranges past the warm retention window.
func (m *Manager) Demote(ctx context.Context, table string, rng data.RevRange) error {
	p := m.Pointer(table)
	src, ok := p.findRange(data.TierWarm, rng)
	if !ok {
		return fmt.Errorf("table %s: revision range %d-%d is not warm", table, rng.Lo, rng.Hi)
	}
	rows, err := m.warm.Get(ctx, m.instance, table, rng)
	if err != nil {
		return data.ErrTierUnavailable{Table: table, Tier: data.TierWarm, Cause: err}
	}
	for i := range rows {
		rows[i].Tier = data.TierCold
	}
	if err := m.cold.Put(ctx, m.instance, table, rng, rows); err != nil {
		return data.ErrTierUnavailable{Table: table, Tier: data.TierCold, Cause: err}
	}
	p.dropRange(data.TierWarm, rng)
	src.Tier = data.TierCold
	p.Offloaded = append(p.Offloaded, src)
	if err := m.warm.Delete(ctx, m.instance, table, rng); err != nil {
		m.logger.Printf("table %s: stale warm batch %d-%d left behind: %v", table, rng.Lo, rng.Hi, err)
	}
	telemetry.Evictions.WithLabelValues(string(data.TierCold)).Inc()
	return nil
}

// Purge removes a hot-resident row entirely. The compaction pass uses it to
// drop tombstones past retention.
func (m *Manager) Purge(table string, key int64) {
	p := m.Pointer(table)
	if old, ok := m.hot[table][key]; ok {
		p.HotBytes -= recordBytes(old)
		p.HotRows--
		delete(m.hot[table], key)
	}
}

// Tables lists every table the manager has a pointer for.
func (m *Manager) Tables() []string {
	out := make([]string, 0, len(m.pointers))
	for t := range m.pointers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Restore reinstates a table's pointer and hot rows after an actor restart.
func (m *Manager) Restore(table string, p Pointer, hotRows []data.Record) {
	restored := p
	if restored.HotMaxRows == 0 {
		restored.HotMaxRows = m.thresholds.HotMaxRows
	}
	if restored.HotMaxSize == 0 {
		restored.HotMaxSize = m.thresholds.HotMaxSize
	}
	m.pointers[table] = &restored
	m.hot[table] = make(map[int64]data.Record, len(hotRows))
	for _, r := range hotRows {
		r.Tier = data.TierHot
		m.hot[table][r.Key] = r
	}
}
