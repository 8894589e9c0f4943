package jsonl

import (
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/rungo/document"
	"github.com/hupe1980/rungo/query"
)

type runEntry struct {
	start document.Start
	stop  *document.Stop
	log   string
}

// indexState is an immutable snapshot of the run index. Refresh publishes a
// fresh state; readers keep iterating their snapshot undisturbed.
type indexState struct {
	byUID map[string]runEntry
	byLog map[string]string // log name -> run uid

	// order holds run uids by descending start time, ties broken by
	// ascending uid. Catalog ordering is defined by this slice.
	order []string

	// sorted holds run uids in lexicographic order for prefix lookups.
	sorted []string

	// scanIDs maps a scan id to the positions (into order) of the runs that
	// carry it, so scan-id queries skip the full scan.
	scanIDs map[uint64]*roaring.Bitmap
}

func emptyIndexState() *indexState {
	return &indexState{
		byUID:   map[string]runEntry{},
		byLog:   map[string]string{},
		scanIDs: map[uint64]*roaring.Bitmap{},
	}
}

// apply builds the successor state from header updates and removed logs.
func (s *indexState) apply(updates []headerUpdate, removed []string) *indexState {
	next := &indexState{
		byUID: make(map[string]runEntry, len(s.byUID)+len(updates)),
		byLog: make(map[string]string, len(s.byLog)+len(updates)),
	}
	for uid, e := range s.byUID {
		next.byUID[uid] = e
	}
	for name, uid := range s.byLog {
		next.byLog[name] = uid
	}

	drop := func(name string) {
		if uid, ok := next.byLog[name]; ok {
			delete(next.byUID, uid)
			delete(next.byLog, name)
		}
	}
	for _, name := range removed {
		drop(name)
	}
	for _, u := range updates {
		// Full replacement: whatever this log previously contributed is
		// superseded by the re-read.
		drop(u.name)
		if u.start == nil {
			continue
		}
		next.byUID[u.start.UID] = runEntry{start: *u.start, stop: u.stop, log: u.name}
		next.byLog[u.name] = u.start.UID
	}

	next.rebuild()
	return next
}

func (s *indexState) rebuild() {
	s.order = make([]string, 0, len(s.byUID))
	for uid := range s.byUID {
		s.order = append(s.order, uid)
	}
	sort.Slice(s.order, func(i, j int) bool {
		a, b := s.byUID[s.order[i]].start, s.byUID[s.order[j]].start
		if a.Time != b.Time {
			return a.Time > b.Time
		}
		return a.UID < b.UID
	})

	s.sorted = make([]string, len(s.order))
	copy(s.sorted, s.order)
	sort.Strings(s.sorted)

	s.scanIDs = map[uint64]*roaring.Bitmap{}
	for pos, uid := range s.order {
		id, ok := s.byUID[uid].start.ScanID()
		if !ok {
			continue
		}
		bm := s.scanIDs[id]
		if bm == nil {
			bm = roaring.New()
			s.scanIDs[id] = bm
		}
		bm.Add(uint32(pos))
	}
}

// candidates returns the positions to evaluate for q, most recent first. A
// scan-id equality clause narrows the walk through the bitmap index; any
// other query walks every run.
func (s *indexState) candidates(q query.Query) []uint32 {
	for _, c := range q.Clauses() {
		if c.Field != "scan_id" || c.Operator != query.OpEqual {
			continue
		}
		id, ok := asScanID(c.Value)
		if !ok {
			// Operand outside scan-id range: the index cannot answer this
			// clause, leave it to the full evaluation.
			continue
		}
		bm := s.scanIDs[id]
		if bm == nil {
			return nil
		}
		return bm.ToArray()
	}

	all := make([]uint32, len(s.order))
	for i := range all {
		all[i] = uint32(i)
	}
	return all
}

// matchingUIDs evaluates q and returns matching run uids in catalog order.
func (s *indexState) matchingUIDs(q query.Query) []string {
	var uids []string
	for _, pos := range s.candidates(q) {
		e := s.byUID[s.order[pos]]
		if q.Matches(e.start.Fields) {
			uids = append(uids, e.start.UID)
		}
	}
	return uids
}

// uidsWithPrefix returns up to limit uids beginning with prefix, most recent
// first. A limit below one means no cap.
func (s *indexState) uidsWithPrefix(prefix string, limit int) []string {
	lo := sort.SearchStrings(s.sorted, prefix)
	var matches []string
	for _, uid := range s.sorted[lo:] {
		if !strings.HasPrefix(uid, prefix) {
			break
		}
		matches = append(matches, uid)
	}

	// Recency order, consistent with every other listing.
	sort.Slice(matches, func(i, j int) bool {
		a, b := s.byUID[matches[i]].start, s.byUID[matches[j]].start
		if a.Time != b.Time {
			return a.Time > b.Time
		}
		return a.UID < b.UID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func asScanID(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}
