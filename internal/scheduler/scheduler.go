package scheduler

import (
	"fmt"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/zde37/chordsim/pkg"
)

// Scheduler is the churn timeline: events bucketed by step, delivered one
// bucket at a time in increasing step order. Within a bucket events keep
// insertion order and nothing more is promised.
type Scheduler struct {
	timeline  *treemap.Map // int64 -> []Event
	cursor    int64        // first step not yet delivered
	next      int64
	hasNext   bool
	pending   int
	discarded int
	logger    *pkg.Logger
}

// New creates an empty scheduler positioned at step 0. A nil logger
// discards output.
func New(logger *pkg.Logger) *Scheduler {
	if logger == nil {
		logger = pkg.NewNop()
	}
	return &Scheduler{
		timeline: treemap.NewWith(utils.Int64Comparator),
		logger:   logger.WithFields(pkg.Fields{"component": "scheduler"}),
	}
}

// AddEvents merges events into the timeline. If any event is scheduled
// before the cursor nothing is added and ErrEventInPast is returned.
func (s *Scheduler) AddEvents(events ...Event) error {
	for _, ev := range events {
		if ev.Time < s.cursor {
			return fmt.Errorf("%w: %s, next deliverable step is %d", pkg.ErrEventInPast, ev, s.cursor)
		}
	}

	for _, ev := range events {
		var bucket []Event
		if v, ok := s.timeline.Get(ev.Time); ok {
			bucket = v.([]Event)
		}
		s.timeline.Put(ev.Time, append(bucket, ev))
		s.pending++
	}

	s.refresh()
	return nil
}

// GetEvents removes and returns the bucket for step t, or nil when there is
// none. Buckets before t can no longer be delivered; they are discarded with
// a warning and counted in Discarded.
func (s *Scheduler) GetEvents(t int64) []Event {
	if t < s.cursor {
		return nil
	}

	dropped, from := 0, int64(-1)
	for {
		k, v := s.timeline.Min()
		if k == nil || k.(int64) >= t {
			break
		}
		if from < 0 {
			from = k.(int64)
		}
		dropped += len(v.([]Event))
		s.timeline.Remove(k)
	}
	if dropped > 0 {
		s.pending -= dropped
		s.discarded += dropped
		s.logger.Warn().
			Int("events", dropped).
			Int64("from_step", from).
			Int64("step", t).
			Msg("Discarded events scheduled before the requested step")
	}

	var out []Event
	if v, ok := s.timeline.Get(t); ok {
		out = v.([]Event)
		s.timeline.Remove(t)
		s.pending -= len(out)
	}

	s.cursor = t + 1
	s.refresh()
	return out
}

// refresh recomputes the cached next alarm.
func (s *Scheduler) refresh() {
	k, _ := s.timeline.Ceiling(s.cursor)
	if k == nil {
		s.hasNext = false
		s.next = 0
		return
	}
	s.hasNext = true
	s.next = k.(int64)
}

// HasNext reports whether any bucket at or after the cursor remains.
func (s *Scheduler) HasNext() bool {
	return s.hasNext
}

// NextAlarm returns the step of the next non-empty bucket.
func (s *Scheduler) NextAlarm() (int64, bool) {
	return s.next, s.hasNext
}

// Len returns the number of events not yet delivered.
func (s *Scheduler) Len() int {
	return s.pending
}

// Discarded returns how many events were skipped over by GetEvents.
func (s *Scheduler) Discarded() int {
	return s.discarded
}

// Cursor returns the first step that can still be delivered.
func (s *Scheduler) Cursor() int64 {
	return s.cursor
}
