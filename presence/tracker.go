// Package presence implements the heartbeat-driven liveness state machine
// for room members connected to this instance. A member is Online while
// heartbeats arrive, Suspected once they stop for the suspect timeout, and
// Offline after a further grace period, at which point exactly one leave
// event is emitted and the record is removed. A heartbeat during the
// Suspected window silently returns the member to Online without any
// join/leave churn.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Member liveness states.
const (
	StateOnline    = "online"
	StateSuspected = "suspected"
	StateOffline   = "offline"
)

// Record is the liveness state of one member. Only the Tracker mutates it.
type Record struct {
	RoomId        string
	UserId        string
	State         string
	LastHeartbeat time.Time
}

// Tracker drives all presence transitions. Transitions happen only on
// received heartbeats and on the periodic sweep.
type Tracker struct {
	suspectAfter time.Duration
	graceAfter   time.Duration
	now          func() time.Time

	mu      sync.Mutex
	records map[string]map[string]*Record // room id -> user id

	// onLeave is called exactly once per member transition to Offline.
	onLeave func(roomId, userId string)
	// onChange is called on every visible state change (not on the silent
	// Suspected -> Online recovery).
	onChange func(roomId, userId, state string)

	logger hclog.Logger
}

func NewTracker(suspectAfter, graceAfter time.Duration, logger hclog.Logger) *Tracker {
	return &Tracker{
		suspectAfter: suspectAfter,
		graceAfter:   graceAfter,
		now:          time.Now,
		records:      make(map[string]map[string]*Record),
		logger:       logger.Named("presence"),
	}
}

// SetCallbacks registers the leave and state-change callbacks. Callbacks run
// outside the tracker lock.
func (t *Tracker) SetCallbacks(onLeave func(roomId, userId string), onChange func(roomId, userId, state string)) {
	t.onLeave = onLeave
	t.onChange = onChange
}

// SetNowFunc overrides the clock, for tests.
func (t *Tracker) SetNowFunc(now func() time.Time) { t.now = now }

// Track creates the presence record for a member joining on this instance.
func (t *Tracker) Track(roomId, userId string) {
	t.mu.Lock()
	room, ok := t.records[roomId]
	if !ok {
		room = make(map[string]*Record)
		t.records[roomId] = room
	}
	rec, existed := room[userId]
	if !existed {
		rec = &Record{RoomId: roomId, UserId: userId}
		room[userId] = rec
	}
	wasSuspected := rec.State == StateSuspected
	rec.State = StateOnline
	rec.LastHeartbeat = t.now()
	t.mu.Unlock()
	if !existed && t.onChange != nil {
		t.onChange(roomId, userId, StateOnline)
	}
	_ = wasSuspected // re-join during suspicion is silent, like a heartbeat
}

// Heartbeat records a heartbeat frame. An unknown member is ignored: records
// are only created on join. A Suspected member silently returns to Online.
func (t *Tracker) Heartbeat(roomId, userId string) {
	t.mu.Lock()
	rec := t.record(roomId, userId)
	if rec == nil {
		t.mu.Unlock()
		return
	}
	rec.LastHeartbeat = t.now()
	if rec.State == StateSuspected {
		rec.State = StateOnline
		t.logger.Debug("member recovered from suspicion", "room_id", roomId, "user_id", userId)
	}
	t.mu.Unlock()
}

// Forget removes a record without emitting a leave event, for explicit
// leave frames where the caller emits the event itself.
func (t *Tracker) Forget(roomId, userId string) {
	t.mu.Lock()
	if room, ok := t.records[roomId]; ok {
		delete(room, userId)
		if len(room) == 0 {
			delete(t.records, roomId)
		}
	}
	t.mu.Unlock()
}

// Sweep applies the timeout transitions: Online members past the suspect
// timeout become Suspected; Suspected members past the additional grace
// period become Offline, are removed, and emit exactly one leave event.
func (t *Tracker) Sweep() {
	now := t.now()
	type transition struct {
		roomId, userId, state string
	}
	var left []transition
	var suspected []transition

	t.mu.Lock()
	for roomId, room := range t.records {
		for userId, rec := range room {
			silent := now.Sub(rec.LastHeartbeat)
			switch rec.State {
			case StateOnline:
				if silent >= t.suspectAfter {
					rec.State = StateSuspected
					suspected = append(suspected, transition{roomId, userId, StateSuspected})
				}
			case StateSuspected:
				if silent >= t.suspectAfter+t.graceAfter {
					delete(room, userId)
					left = append(left, transition{roomId, userId, StateOffline})
				}
			}
		}
		if len(room) == 0 {
			delete(t.records, roomId)
		}
	}
	t.mu.Unlock()

	for _, tr := range suspected {
		t.logger.Debug("member suspected", "room_id", tr.roomId, "user_id", tr.userId)
		if t.onChange != nil {
			t.onChange(tr.roomId, tr.userId, tr.state)
		}
	}
	for _, tr := range left {
		t.logger.Info("member offline", "room_id", tr.roomId, "user_id", tr.userId)
		if t.onChange != nil {
			t.onChange(tr.roomId, tr.userId, tr.state)
		}
		if t.onLeave != nil {
			t.onLeave(tr.roomId, tr.userId)
		}
	}
}

// Run sweeps periodically until the context is cancelled. Deployments that
// schedule Sweep externally (cron) do not need it.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot returns a copy of the presence records of a room.
func (t *Tracker) Snapshot(roomId string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.records[roomId]
	records := make([]Record, 0, len(room))
	for _, rec := range room {
		records = append(records, *rec)
	}
	return records
}

func (t *Tracker) record(roomId, userId string) *Record {
	if room, ok := t.records[roomId]; ok {
		return room[userId]
	}
	return nil
}
