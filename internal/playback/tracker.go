package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSnapshotInterval is how often a playing session's estimated position
// is persisted. A crash loses at most this much position accuracy.
const DefaultSnapshotInterval = 30 * time.Second

var (
	// ErrSessionNotFound is returned by mutating operations on an unknown
	// session id. Read paths report plain not-found instead, so callers can
	// treat "no prior session" as normal and create idempotently.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptyQueue is returned when creating a session with no resources.
	ErrEmptyQueue = errors.New("resource queue is empty")
)

// Tracker owns playback session state. All operations for a given session id
// are serialized through a per-id lock, so concurrent lifecycle events and
// timer firings for the same session never interleave; different sessions
// proceed fully in parallel.
//
// While a session is Playing, exactly one recurring timer is armed for it.
// Each firing recomputes the wall-clock position estimate, persists a
// snapshot, and re-arms only if the session is still Playing. Leaving the
// Playing state cancels the pending timer. Because snapshots go to the
// backing Store rather than process memory, a record reloaded after a crash
// is stale by at most one snapshot interval even when the playing device
// itself never reports back.
type Tracker struct {
	store      Store
	interval   time.Duration
	now        func() time.Time
	log        *slog.Logger
	onSnapshot func()

	mu sync.Mutex
	// locks entries are retained for the process lifetime; replacing one
	// while a goroutine still waits on it would break per-id serialization.
	locks  map[string]*sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithSnapshotHook registers a callback invoked after each persisted
// snapshot, used to feed metrics.
func WithSnapshotHook(fn func()) TrackerOption {
	return func(t *Tracker) { t.onSnapshot = fn }
}

// NewTracker returns a Tracker over the given store. If interval <= 0,
// DefaultSnapshotInterval is used.
func NewTracker(store Store, interval time.Duration, log *slog.Logger, opts ...TrackerOption) *Tracker {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	t := &Tracker{
		store:    store,
		interval: interval,
		now:      time.Now,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// lockFor returns the mutex serializing operations on id, creating it on
// first use.
func (t *Tracker) lockFor(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

// CreateSession initializes a fresh session record in the Idle state with the
// given resource queue. It fails on an empty queue or an out-of-range start
// index. An existing record under the same id is replaced.
func (t *Tracker) CreateSession(id string, resourceIDs []string, startIndex int) (*Session, error) {
	if len(resourceIDs) == 0 {
		return nil, ErrEmptyQueue
	}
	if startIndex < 0 || startIndex >= len(resourceIDs) {
		return nil, fmt.Errorf("start index %d out of range [0,%d)", startIndex, len(resourceIDs))
	}

	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t.cancelTimer(id)

	now := t.now()
	s := &Session{
		ID:           id,
		ResourceIDs:  append([]string(nil), resourceIDs...),
		CurrentIndex: startIndex,
		State:        StateIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := t.store.Save(s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// GetSession loads a session. ok=false means no prior session exists; that is
// not an error.
func (t *Tracker) GetSession(id string) (*Session, bool, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return t.store.Load(id)
}

// RecordPlaybackStart moves the session into Playing at the given offset,
// records the wall-clock start reference, and arms the recurring snapshot
// timer for this session.
func (t *Tracker) RecordPlaybackStart(id string, offsetMs int64) (*Session, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s, ok, err := t.store.Load(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}

	start := t.now()
	s.State = StatePlaying
	s.StartedAt = &start
	s.StartOffsetMs = offsetMs
	s.OffsetMs = offsetMs
	s.UpdatedAt = start
	if err := t.store.Save(s); err != nil {
		return nil, err
	}

	t.armTimer(id)
	return s.Clone(), nil
}

// UpdatePlaybackPosition records an explicit lifecycle event (pause, stop,
// seek): it sets the offset and state directly. Leaving Playing cancels the
// pending snapshot timer; a seek while Playing resets the wall-clock start
// reference so estimates continue from the new offset.
func (t *Tracker) UpdatePlaybackPosition(id string, offsetMs int64, newState State) (*Session, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s, ok, err := t.store.Load(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := t.now()
	s.OffsetMs = offsetMs
	s.State = newState
	s.UpdatedAt = now
	if newState == StatePlaying {
		s.StartedAt = &now
		s.StartOffsetMs = offsetMs
	} else {
		s.StartedAt = nil
	}
	if err := t.store.Save(s); err != nil {
		return nil, err
	}

	if newState == StatePlaying {
		t.armTimer(id)
	} else {
		t.cancelTimer(id)
	}
	return s.Clone(), nil
}

// EstimatePlaybackPosition returns the current position in milliseconds. For
// a Playing session it applies the same wall-clock formula as the snapshot
// timer, so a query between firings is accurate to wall-clock precision, not
// just to the last snapshot. Otherwise it returns the last persisted offset.
func (t *Tracker) EstimatePlaybackPosition(id string) (int64, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s, ok, err := t.store.Load(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrSessionNotFound
	}
	return t.estimate(s), nil
}

func (t *Tracker) estimate(s *Session) int64 {
	if s.State == StatePlaying && s.StartedAt != nil {
		return s.StartOffsetMs + t.now().Sub(*s.StartedAt).Milliseconds()
	}
	return s.OffsetMs
}

// NextTrack advances the queue. Past the last index it returns ok=false
// without mutating state. A track change resets the offset to zero and
// clears retry bookkeeping.
func (t *Tracker) NextTrack(id string) (*Session, bool, error) {
	return t.moveTrack(id, +1)
}

// PreviousTrack retreats the queue. Before the first index it returns
// ok=false without mutating state.
func (t *Tracker) PreviousTrack(id string) (*Session, bool, error) {
	return t.moveTrack(id, -1)
}

func (t *Tracker) moveTrack(id string, delta int) (*Session, bool, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s, ok, err := t.store.Load(id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrSessionNotFound
	}

	next := s.CurrentIndex + delta
	if next < 0 || next >= len(s.ResourceIDs) {
		return nil, false, nil
	}

	now := t.now()
	s.CurrentIndex = next
	s.OffsetMs = 0
	s.StartOffsetMs = 0
	s.RetryCount = 0
	s.LastError = ""
	s.UpdatedAt = now
	if s.State == StatePlaying {
		s.StartedAt = &now
	}
	if err := t.store.Save(s); err != nil {
		return nil, false, err
	}
	return s.Clone(), true, nil
}

// IncrementRetryCount bumps the retry counter for the current resource and
// returns the new value. Callers use it to retry a failing resource a small
// bounded number of times before advancing.
func (t *Tracker) IncrementRetryCount(id string) (int, error) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s, ok, err := t.store.Load(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrSessionNotFound
	}
	s.RetryCount++
	s.UpdatedAt = t.now()
	if err := t.store.Save(s); err != nil {
		return 0, err
	}
	return s.RetryCount, nil
}

// ResetRetryCount clears the retry counter and last error.
func (t *Tracker) ResetRetryCount(id string) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s, ok, err := t.store.Load(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	s.RetryCount = 0
	s.LastError = ""
	s.UpdatedAt = t.now()
	return t.store.Save(s)
}

// RecordError stores the most recent playback error message on the session.
func (t *Tracker) RecordError(id, msg string) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s, ok, err := t.store.Load(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	s.LastError = msg
	s.UpdatedAt = t.now()
	return t.store.Save(s)
}

// DeleteSession cancels any pending snapshot timer and removes the record.
// Deleting an unknown session is a no-op.
func (t *Tracker) DeleteSession(id string) error {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	t.cancelTimer(id)
	return t.store.Delete(id)
}

// Count returns the number of stored sessions, for the metrics gauge.
func (t *Tracker) Count() (int, error) {
	return t.store.Count()
}

// Close cancels all pending snapshot timers. Stored records are untouched;
// they are the crash-recovery state the next process loads.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}

// armTimer schedules the next snapshot for id, replacing any pending timer so
// a session never has two. Callers must hold the session lock.
func (t *Tracker) armTimer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	t.timers[id] = time.AfterFunc(t.interval, func() { t.snapshot(id) })
}

// cancelTimer stops and forgets the pending timer for id, if any.
func (t *Tracker) cancelTimer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
}

// snapshot is the timer callback: under the session lock it recomputes the
// wall-clock position estimate, persists it, and re-arms exactly one
// successor timer if and only if the session is still Playing. If the state
// left Playing between arming and firing, the timer chain ends here.
func (t *Tracker) snapshot(id string) {
	l := t.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s, ok, err := t.store.Load(id)
	if err != nil || !ok || s.State != StatePlaying || s.StartedAt == nil {
		if err != nil {
			t.log.Warn("snapshot load failed", slog.String("session", logID(id)), slog.String("error", err.Error()))
		}
		t.cancelTimer(id)
		return
	}

	now := t.now()
	s.OffsetMs = s.StartOffsetMs + now.Sub(*s.StartedAt).Milliseconds()
	s.UpdatedAt = now
	if err := t.store.Save(s); err != nil {
		t.log.Warn("snapshot save failed", slog.String("session", logID(id)), slog.String("error", err.Error()))
	} else if t.onSnapshot != nil {
		t.onSnapshot()
	}

	t.log.Debug("position snapshot",
		slog.String("session", logID(id)),
		slog.Int64("offset_ms", s.OffsetMs),
	)

	t.armTimer(id)
}

// logID truncates session ids in logs; device identifiers are opaque but
// there is no reason to record them whole.
func logID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
