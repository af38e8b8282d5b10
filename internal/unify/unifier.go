// Package unify implements the Event Unifier (spec §4.2): a stable
// k-way merge of the three tagged per-source streams into a single
// chronologically-ordered sequence, keyed on
// (origin_time, kind-priority, arrival_index), with update_id ordering
// two deltas of the same origin_time ahead of arrival_index.
package unify

import (
	"container/heap"
	"context"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
)

// Source yields RawEvents from one input partition in arrival order.
// Next returns (event, true, nil) while records remain, (zero, false,
// nil) at clean end of stream, and a non-nil error on I/O/schema
// failure. Implementations are expected to assign ArrivalIndex.
type Source interface {
	Next(ctx context.Context) (model.RawEvent, bool, error)
}

// OutOfOrderPolicy controls the Unifier's reaction to a source whose
// own origin_time decreases between successive records.
type OutOfOrderPolicy int

const (
	// DropWithLog discards the offending record and logs
	// OutOfOrderWarning. This is the spec default.
	DropWithLog OutOfOrderPolicy = iota
	// Carry lets the record through anyway, relying on the heap's
	// ordering guarantee for already-queued records only — it can
	// still appear out of order relative to events already emitted.
	Carry
)

// heapEntry is one source's currently-peeked head record.
type heapEntry struct {
	event      model.RawEvent
	sourceIdx  int
}

type entryHeap []*heapEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i].event, h[j].event
	at, bt := a.OriginTime(), b.OriginTime()
	if at != bt {
		return at < bt
	}
	if a.Kind == model.KindBookDelta && b.Kind == model.KindBookDelta {
		au, bu := a.UpdateID(), b.UpdateID()
		if au != bu {
			return au < bu
		}
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind // SNAPSHOT(0) < DELTA(1) < TRADE(2)
	}
	return a.ArrivalIndex < b.ArrivalIndex
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*heapEntry)) }

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Unifier drives the merge across an arbitrary number of sources.
type Unifier struct {
	sources []Source
	policy  OutOfOrderPolicy
	logger  *zap.Logger

	h              entryHeap
	lastOriginTime []int64 // per-source last-seen origin_time, for monotonic check
	lastEmitted    int64   // last emitted event's origin_time, across all sources

	OutOfOrderCount uint64
}

// New builds a Unifier over sources. Sources are pulled lazily; the
// first Next() call primes one head per source.
func New(sources []Source, policy OutOfOrderPolicy, logger *zap.Logger) *Unifier {
	return &Unifier{
		sources:        sources,
		policy:         policy,
		logger:         logger,
		lastOriginTime: make([]int64, len(sources)),
	}
}

func (u *Unifier) prime(ctx context.Context) error {
	if u.h != nil {
		return nil
	}
	u.h = make(entryHeap, 0, len(u.sources))
	heap.Init(&u.h)
	for idx, src := range u.sources {
		if err := u.fill(ctx, idx, src); err != nil {
			return err
		}
	}
	return nil
}

// fill pulls the next admissible record from src (idx) and pushes it
// onto the heap, applying the out-of-order policy and the
// missing-update_id fatal check. It loops internally when a record is
// dropped, so the heap always gains at most one entry per source slot.
func (u *Unifier) fill(ctx context.Context, idx int, src Source) error {
	for {
		ev, ok, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if ev.Kind == model.KindBookDelta && ev.Delta.UpdateID <= 0 {
			return errorsx.New(errorsx.SchemaError, "book delta missing update_id").
				WithDetail("source_index", idx)
		}

		ot := ev.OriginTime()
		if ot < u.lastOriginTime[idx] {
			u.OutOfOrderCount++
			u.logger.Warn("out of order record dropped",
				zap.Int("source_index", idx),
				zap.Int64("origin_time", ot),
				zap.Int64("last_origin_time", u.lastOriginTime[idx]))
			if u.policy == DropWithLog {
				continue
			}
		}
		u.lastOriginTime[idx] = ot

		heap.Push(&u.h, &heapEntry{event: ev, sourceIdx: idx})
		return nil
	}
}

// Next returns the next event in unified order, or (zero, false, nil)
// once every source is exhausted.
func (u *Unifier) Next(ctx context.Context) (model.UnifiedEvent, bool, error) {
	if err := u.prime(ctx); err != nil {
		return model.UnifiedEvent{}, false, err
	}
	if u.h.Len() == 0 {
		return model.UnifiedEvent{}, false, nil
	}

	top := heap.Pop(&u.h).(*heapEntry)
	if err := u.fill(ctx, top.sourceIdx, u.sources[top.sourceIdx]); err != nil {
		return model.UnifiedEvent{}, false, err
	}

	u.lastEmitted = top.event.OriginTime()
	return model.UnifiedEvent{
		EventTimestamp: top.event.OriginTime(),
		EventType:      top.event.Kind,
		UpdateID:       top.event.UpdateID(),
		Raw:            top.event,
	}, true, nil
}
