package chat

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kumpul-app/kumpul-backend/internal/realtime"
)

const (
	// typingFreshness is how long a typing signal stays valid without a
	// refresh. Receivers expire entries locally because the transport may
	// drop the explicit stop signal.
	typingFreshness = 4 * time.Second
	// typingResendGap throttles repeated "still typing" signals.
	typingResendGap = 1 * time.Second
	// typingIdleStop auto-stops after the last keystroke when no explicit
	// stop is sent.
	typingIdleStop = 2 * time.Second
)

// Signal is one ephemeral typing notification. Never persisted.
type Signal struct {
	GroupID   string    `json:"groupId"`
	UserID    string    `json:"userId"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingTracker maintains the receiver-side set of currently-typing users
// for one group view. Entries expire after the freshness window even when
// no stop signal ever arrives.
type TypingTracker struct {
	mu       sync.Mutex
	selfID   string
	window   time.Duration
	clock    func() time.Time
	lastSeen map[string]time.Time
}

// TypingTrackerConfig tunes the tracker; zero values use defaults.
type TypingTrackerConfig struct {
	SelfID string
	Window time.Duration
	Clock  func() time.Time
}

// NewTypingTracker builds a tracker that ignores the viewer's own signals.
func NewTypingTracker(cfg TypingTrackerConfig) *TypingTracker {
	window := cfg.Window
	if window <= 0 {
		window = typingFreshness
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TypingTracker{
		selfID:   cfg.SelfID,
		window:   window,
		clock:    clock,
		lastSeen: make(map[string]time.Time),
	}
}

// Observe folds one received signal into the set. Duplicate and
// out-of-order deliveries are harmless: the newest observation wins.
func (t *TypingTracker) Observe(signal Signal) {
	if signal.UserID == "" || signal.UserID == t.selfID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !signal.IsTyping {
		delete(t.lastSeen, signal.UserID)
		return
	}
	t.lastSeen[signal.UserID] = t.clock()
}

// Typing returns the users whose last signal is still within the
// freshness window, pruning expired entries as a side effect.
func (t *TypingTracker) Typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	out := make([]string, 0, len(t.lastSeen))
	for userID, seenAt := range t.lastSeen {
		if now.Sub(seenAt) > t.window {
			delete(t.lastSeen, userID)
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Publisher is the broadcast side of the realtime transport.
type Publisher interface {
	Publish(event realtime.Event)
}

// TypingBroadcaster debounces the sender side: at most one "typing" signal
// per resend gap, with an automatic stop shortly after the last keystroke.
type TypingBroadcaster struct {
	mu        sync.Mutex
	publisher Publisher
	groupID   string
	userID    string
	resendGap time.Duration
	idleStop  time.Duration
	clock     func() time.Time
	lastSent  time.Time
	active    bool
	stopTimer *time.Timer
}

// TypingBroadcasterConfig tunes the broadcaster; zero durations use defaults.
type TypingBroadcasterConfig struct {
	Publisher Publisher
	GroupID   string
	UserID    string
	ResendGap time.Duration
	IdleStop  time.Duration
	Clock     func() time.Time
}

// NewTypingBroadcaster builds the sender for one group view.
func NewTypingBroadcaster(cfg TypingBroadcasterConfig) *TypingBroadcaster {
	resendGap := cfg.ResendGap
	if resendGap <= 0 {
		resendGap = typingResendGap
	}
	idleStop := cfg.IdleStop
	if idleStop <= 0 {
		idleStop = typingIdleStop
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TypingBroadcaster{
		publisher: cfg.Publisher,
		groupID:   cfg.GroupID,
		userID:    cfg.UserID,
		resendGap: resendGap,
		idleStop:  idleStop,
		clock:     clock,
	}
}

// Keystroke signals typing activity. Signals are throttled to one per
// resend gap; the idle-stop timer is pushed out on every call.
func (b *TypingBroadcaster) Keystroke() {
	b.mu.Lock()
	now := b.clock()
	shouldSend := !b.active || now.Sub(b.lastSent) >= b.resendGap
	if shouldSend {
		b.lastSent = now
		b.active = true
	}
	if b.stopTimer != nil {
		b.stopTimer.Stop()
	}
	b.stopTimer = time.AfterFunc(b.idleStop, b.Stop)
	b.mu.Unlock()

	if shouldSend {
		b.broadcast(true)
	}
}

// Stop sends an explicit stopped-typing signal if one is outstanding.
func (b *TypingBroadcaster) Stop() {
	b.mu.Lock()
	wasActive := b.active
	b.active = false
	if b.stopTimer != nil {
		b.stopTimer.Stop()
		b.stopTimer = nil
	}
	b.mu.Unlock()

	if wasActive {
		b.broadcast(false)
	}
}

func (b *TypingBroadcaster) broadcast(isTyping bool) {
	if b.publisher == nil {
		return
	}
	payload, err := json.Marshal(Signal{
		GroupID:   b.groupID,
		UserID:    b.userID,
		IsTyping:  isTyping,
		Timestamp: b.clock().UTC(),
	})
	if err != nil {
		return
	}
	b.publisher.Publish(realtime.Event{
		Topic:   realtime.TypingTopic(b.groupID),
		Kind:    realtime.EventBroadcast,
		Payload: payload,
	})
}
