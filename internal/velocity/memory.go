package velocity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/syncutil"
)

// maxEventsPerEntity bounds one entity's log. Older events are dropped first.
const maxEventsPerEntity = 10000

type event struct {
	id     string
	at     int64 // unix nanos
	amount float64
}

// entityLog is one entity's events ordered by time. ids indexes the
// events that carry an id.
type entityLog struct {
	events   []event
	ids      map[string]struct{}
	lastSeen time.Time
}

// MemoryStore keeps an exact per-entity event log in process.
// Entities hash onto lock shards so a burst on one card serializes while
// other cards proceed. Events older than the longest window are pruned on
// write; idle entities are dropped by a background reaper.
type MemoryStore struct {
	windows []time.Duration
	longest time.Duration

	locks  syncutil.ShardedMutex
	shards [syncutil.ShardCount]map[string]*entityLog

	now      func() time.Time
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates an in-process store for the given windows. A
// positive reapInterval starts a reaper dropping entities idle beyond
// idleHorizon.
func NewMemoryStore(windows []time.Duration, reapInterval, idleHorizon time.Duration) *MemoryStore {
	ws := normalizeWindows(windows)
	s := &MemoryStore{
		windows: ws,
		longest: ws[len(ws)-1],
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = make(map[string]*entityLog)
	}

	if reapInterval > 0 {
		if idleHorizon < s.longest {
			idleHorizon = s.longest
		}
		go s.reapLoop(reapInterval, idleHorizon)
	} else {
		close(s.done)
	}
	return s
}

// Observe returns every window's stats as of ts, excluding the new event,
// then appends it.
func (s *MemoryStore) Observe(ctx context.Context, tenantID, entityID, eventID string, amount float64, ts time.Time) ([]domain.WindowStat, error) {
	key, err := entityKey(tenantID, entityID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	log := s.shards[syncutil.Shard(key)][key]
	stats := make([]domain.WindowStat, len(s.windows))
	for i, w := range s.windows {
		stats[i] = domain.WindowStat{Window: w}
		if log != nil {
			stats[i].Count, stats[i].Sum = log.window(w, ts, eventID)
		}
	}

	s.appendLocked(key, eventID, amount, ts)
	return stats, nil
}

// Record appends an event unless eventID is already recorded.
func (s *MemoryStore) Record(ctx context.Context, tenantID, entityID, eventID string, amount float64, ts time.Time) error {
	key, err := entityKey(tenantID, entityID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	s.appendLocked(key, eventID, amount, ts)
	return nil
}

// WindowCount returns the number of events in [asOf-window, asOf].
func (s *MemoryStore) WindowCount(ctx context.Context, tenantID, entityID string, window time.Duration, asOf time.Time) (int64, error) {
	count, _, err := s.read(tenantID, entityID, window, asOf)
	return count, err
}

// WindowSum returns the summed amount of events in [asOf-window, asOf].
func (s *MemoryStore) WindowSum(ctx context.Context, tenantID, entityID string, window time.Duration, asOf time.Time) (float64, error) {
	_, sum, err := s.read(tenantID, entityID, window, asOf)
	return sum, err
}

// Windows returns the configured window lengths, shortest first.
func (s *MemoryStore) Windows() []time.Duration {
	out := make([]time.Duration, len(s.windows))
	copy(out, s.windows)
	return out
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the reaper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// Entities returns the number of tracked entities.
func (s *MemoryStore) Entities() int {
	n := 0
	for i := range s.shards {
		unlock := s.locks.LockShard(i)
		n += len(s.shards[i])
		unlock()
	}
	return n
}

func (s *MemoryStore) read(tenantID, entityID string, window time.Duration, asOf time.Time) (int64, float64, error) {
	key, err := entityKey(tenantID, entityID)
	if err != nil {
		return 0, 0, err
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	log := s.shards[syncutil.Shard(key)][key]
	if log == nil {
		return 0, 0, nil
	}
	count, sum := log.window(window, asOf, "")
	return count, sum, nil
}

// Caller must hold the shard lock of key.
func (s *MemoryStore) appendLocked(key, eventID string, amount float64, ts time.Time) {
	shard := s.shards[syncutil.Shard(key)]
	log := shard[key]
	if log == nil {
		log = &entityLog{ids: make(map[string]struct{})}
		shard[key] = log
	}
	if log.has(eventID) {
		log.lastSeen = s.now()
		return
	}
	log.insert(event{id: eventID, at: ts.UnixNano(), amount: amount})
	log.prune(ts.Add(-s.longest).UnixNano())
	log.lastSeen = s.now()
}

func (s *MemoryStore) reapLoop(interval, horizon time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.reap(horizon); n > 0 {
				slog.Debug("velocity reaper dropped idle entities", "count", n)
			}
		}
	}
}

// reap drops entities not written to within horizon.
func (s *MemoryStore) reap(horizon time.Duration) int {
	cutoff := s.now().Add(-horizon)
	dropped := 0
	for i := range s.shards {
		unlock := s.locks.LockShard(i)
		for key, log := range s.shards[i] {
			if log.lastSeen.Before(cutoff) {
				delete(s.shards[i], key)
				dropped++
			}
		}
		unlock()
	}
	return dropped
}

func (l *entityLog) has(id string) bool {
	if id == "" {
		return false
	}
	_, ok := l.ids[id]
	return ok
}

// insert keeps events ordered; out-of-order arrivals land in place.
func (l *entityLog) insert(e event) {
	if e.id != "" {
		l.ids[e.id] = struct{}{}
	}
	n := len(l.events)
	if n == 0 || l.events[n-1].at <= e.at {
		l.events = append(l.events, e)
	} else {
		i := sort.Search(n, func(i int) bool { return l.events[i].at > e.at })
		l.events = append(l.events, event{})
		copy(l.events[i+1:], l.events[i:])
		l.events[i] = e
	}
	if len(l.events) > maxEventsPerEntity {
		l.drop(len(l.events) - maxEventsPerEntity)
	}
}

// prune drops events older than cutoff.
func (l *entityLog) prune(cutoff int64) {
	i := sort.Search(len(l.events), func(i int) bool { return l.events[i].at >= cutoff })
	if i > 0 {
		l.drop(i)
	}
}

// drop removes the n oldest events.
func (l *entityLog) drop(n int) {
	for _, e := range l.events[:n] {
		if e.id != "" {
			delete(l.ids, e.id)
		}
	}
	l.events = append(l.events[:0], l.events[n:]...)
}

// window sums events with asOf-w <= at <= asOf, leaving out the event
// with id skip.
func (l *entityLog) window(w time.Duration, asOf time.Time, skip string) (int64, float64) {
	hi := asOf.UnixNano()
	lo := asOf.Add(-w).UnixNano()

	start := sort.Search(len(l.events), func(i int) bool { return l.events[i].at >= lo })
	var count int64
	var sum float64
	for _, e := range l.events[start:] {
		if e.at > hi {
			break
		}
		if skip != "" && e.id == skip {
			continue
		}
		count++
		sum += e.amount
	}
	return count, sum
}
