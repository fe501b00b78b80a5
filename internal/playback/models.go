package playback

import "time"

// State is the playback state of a session.
type State string

// Session playback states. Idle is both the initial state and the
// post-finish state; the record itself persists until deleted.
const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Session is the persisted playback record for one device/session. It is
// JSON-serializable and written atomically per session.
//
// The resource queue is immutable once set; navigation moves CurrentIndex
// within [0, len-1]. While State is Playing, OffsetMs is refreshed by the
// snapshot timer from StartOffsetMs plus wall-clock elapsed time, so a
// reloaded record after a crash is stale by at most one snapshot interval.
type Session struct {
	ID            string     `json:"id"`
	ResourceIDs   []string   `json:"resourceIds"`
	CurrentIndex  int        `json:"currentIndex"`
	State         State      `json:"state"`
	OffsetMs      int64      `json:"offsetMs"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	StartOffsetMs int64      `json:"startOffsetMs"`
	RetryCount    int        `json:"retryCount"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CurrentResource returns the resource id at CurrentIndex, with ok=false if
// the index is out of range.
func (s *Session) CurrentResource() (string, bool) {
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.ResourceIDs) {
		return "", false
	}
	return s.ResourceIDs[s.CurrentIndex], true
}

// Clone returns a deep copy so stores never hand out aliased internal state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ResourceIDs = append([]string(nil), s.ResourceIDs...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	return &cp
}
