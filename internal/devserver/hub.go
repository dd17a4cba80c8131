package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errPollSessionGone = errors.New("poll session closed")

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type socketSub struct {
	userID   string
	send     chan frame
	kicked   chan struct{}
	kickOnce sync.Once
}

func (s *socketSub) kick() {
	s.kickOnce.Do(func() { close(s.kicked) })
}

type pollSession struct {
	sid      string
	userID   string
	base     int
	events   []frame
	wake     chan struct{}
	lastSeen time.Time
}

// hub fans events out to every open channel of a user, websocket or long
// poll alike.
type hub struct {
	mu        sync.Mutex
	sockets   map[string]map[*socketSub]struct{}
	polls     map[string]*pollSession
	sendQueue int
	pollIdle  time.Duration
	now       func() time.Time
}

func newHub(sendQueue int, pollIdle time.Duration, now func() time.Time) *hub {
	return &hub{
		sockets:   map[string]map[*socketSub]struct{}{},
		polls:     map[string]*pollSession{},
		sendQueue: sendQueue,
		pollIdle:  pollIdle,
		now:       now,
	}
}

func (h *hub) subscribe(userID string) *socketSub {
	sub := &socketSub{userID: userID, send: make(chan frame, h.sendQueue), kicked: make(chan struct{})}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sockets[userID] == nil {
		h.sockets[userID] = map[*socketSub]struct{}{}
	}
	h.sockets[userID][sub] = struct{}{}
	return sub
}

func (h *hub) unsubscribe(sub *socketSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sockets[sub.userID], sub)
	if len(h.sockets[sub.userID]) == 0 {
		delete(h.sockets, sub.userID)
	}
}

// publish delivers one event to the user's channels. A websocket subscriber
// whose queue is full is kicked rather than allowed to stall the others.
func (h *hub) publish(userID, name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f := frame{Event: name, Data: raw}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.sockets[userID] {
		select {
		case sub.send <- f:
		default:
			sub.kick()
		}
	}
	for _, sess := range h.polls {
		if sess.userID != userID {
			continue
		}
		sess.events = append(sess.events, f)
		close(sess.wake)
		sess.wake = make(chan struct{})
	}
	return nil
}

func (h *hub) openPoll(userID string) (sid string, cursor string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reapLocked()
	sess := &pollSession{
		sid:      uuid.NewString(),
		userID:   userID,
		wake:     make(chan struct{}),
		lastSeen: h.now(),
	}
	h.polls[sess.sid] = sess
	return sess.sid, "0"
}

// poll returns the events after cursor, waiting up to window for the first
// one. Events before the cursor are acknowledged and dropped.
func (h *hub) poll(ctx context.Context, userID, sid, cursor string, window time.Duration) ([]frame, string, error) {
	position, err := strconv.Atoi(cursor)
	if err != nil || position < 0 {
		position = 0
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		h.mu.Lock()
		sess, ok := h.polls[sid]
		if !ok || sess.userID != userID {
			h.mu.Unlock()
			return nil, "", errPollSessionGone
		}
		sess.lastSeen = h.now()
		if position > sess.base {
			drop := position - sess.base
			if drop > len(sess.events) {
				drop = len(sess.events)
			}
			sess.events = sess.events[drop:]
			sess.base += drop
		}
		if len(sess.events) > 0 {
			out := append([]frame(nil), sess.events...)
			next := strconv.Itoa(sess.base + len(sess.events))
			h.mu.Unlock()
			return out, next, nil
		}
		wake := sess.wake
		next := strconv.Itoa(sess.base)
		h.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, next, nil
		case <-ctx.Done():
			return nil, next, ctx.Err()
		}
	}
}

// kick closes every channel the user has open, as a server-initiated
// disconnect.
func (h *hub) kick(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kicked := 0
	for sub := range h.sockets[userID] {
		sub.kick()
		kicked++
	}
	for sid, sess := range h.polls {
		if sess.userID == userID {
			delete(h.polls, sid)
			close(sess.wake)
			kicked++
		}
	}
	return kicked
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.sockets {
		for sub := range subs {
			sub.kick()
		}
	}
	for sid, sess := range h.polls {
		delete(h.polls, sid)
		close(sess.wake)
	}
}

func (h *hub) reapLocked() {
	if h.pollIdle <= 0 {
		return
	}
	cutoff := h.now().Add(-h.pollIdle)
	for sid, sess := range h.polls {
		if sess.lastSeen.Before(cutoff) {
			delete(h.polls, sid)
			close(sess.wake)
		}
	}
}
