package chat

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrLoadFailed wraps transport failures while fetching history. The
	// caller retries explicitly; the store never retries on its own.
	ErrLoadFailed = errors.New("chat: load failed")
	// ErrNothingOlder indicates LoadOlder was called with no anchor or no
	// older page available.
	ErrNothingOlder = errors.New("chat: no older messages")
)

// SendError reports a failed send and carries the draft back to the caller
// so the input is restored, never silently dropped.
type SendError struct {
	Draft string
	cause error
}

func (e *SendError) Error() string {
	return "chat: send failed: " + e.cause.Error()
}

func (e *SendError) Unwrap() error {
	return e.cause
}

// Backend is the datastore-facing side of the store. *Service satisfies it.
type Backend interface {
	History(ctx context.Context, groupID, userID string, limit int, beforeID string) (HistoryPage, error)
	Send(ctx context.Context, groupID, userID, content string) (Message, error)
}

// PendingSend is an optimistic, not-yet-confirmed outgoing message.
type PendingSend struct {
	LocalID int64
	Content string
}

// Store is the client-side ordered message log for one open group view.
// It merges paginated history, optimistic sends, and live inserts into one
// deduplicated sequence sorted by (createdAt, id). The same logical
// message routinely arrives twice — once from the direct send response and
// once as the realtime echo — and is reflected exactly once.
//
// Each view owns its own Store, rebuilt fresh on mount; there is no
// cross-view shared cache.
type Store struct {
	mu           sync.Mutex
	backend      Backend
	groupID      string
	userID       string
	limit        int
	history      []Message
	seen         map[string]struct{}
	pending      map[int64]PendingSend
	nextLocalID  int64
	hasMoreOlder bool
}

// NewStore builds a store for one group view.
func NewStore(backend Backend, groupID, userID string) *Store {
	return &Store{
		backend: backend,
		groupID: groupID,
		userID:  userID,
		limit:   defaultHistoryLimit,
		seen:    make(map[string]struct{}),
		pending: make(map[int64]PendingSend),
	}
}

// LoadInitial fetches the most recent page and resets the log to it.
func (s *Store) LoadInitial(ctx context.Context) error {
	page, err := s.backend.History(ctx, s.groupID, s.userID, s.limit, "")
	if err != nil {
		return errors.Join(ErrLoadFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.seen = make(map[string]struct{})
	s.merge(page.Messages...)
	s.hasMoreOlder = page.HasMore
	return nil
}

// LoadOlder prepends the page strictly older than the current oldest
// message. Messages already present are dropped, not duplicated.
func (s *Store) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if len(s.history) == 0 || !s.hasMoreOlder {
		s.mu.Unlock()
		return ErrNothingOlder
	}
	anchorID := s.history[0].ID
	s.mu.Unlock()

	page, err := s.backend.History(ctx, s.groupID, s.userID, s.limit, anchorID)
	if err != nil {
		return errors.Join(ErrLoadFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.merge(page.Messages...)
	s.hasMoreOlder = page.HasMore
	return nil
}

// Send validates locally, tracks the draft as pending, and appends the
// server-confirmed message on success. On transport failure the pending
// entry is discarded and the draft is returned inside a *SendError.
func (s *Store) Send(ctx context.Context, content string) (Message, error) {
	trimmed, err := ValidateContent(content)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	s.nextLocalID++
	localID := s.nextLocalID
	s.pending[localID] = PendingSend{LocalID: localID, Content: trimmed}
	s.mu.Unlock()

	confirmed, err := s.backend.Send(ctx, s.groupID, s.userID, trimmed)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, localID)
	if err != nil {
		return Message{}, &SendError{Draft: trimmed, cause: err}
	}
	s.merge(confirmed)
	return confirmed, nil
}

// OnRemoteInsert folds a realtime insert into the log. It is idempotent:
// duplicate and out-of-order deliveries leave the log sorted with each id
// present exactly once.
func (s *Store) OnRemoteInsert(message Message) {
	if message.GroupID != s.groupID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merge(message)
}

// History returns a copy of the current log in display order.
func (s *Store) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Pending returns the in-flight optimistic sends in submission order.
func (s *Store) Pending() []PendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingSend, 0, len(s.pending))
	for id := int64(1); id <= s.nextLocalID; id++ {
		if p, ok := s.pending[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// HasMoreOlder reports whether an older page is still available.
func (s *Store) HasMoreOlder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMoreOlder
}

// merge inserts each message at its sorted (createdAt, id) position,
// skipping ids already present. Callers hold s.mu.
func (s *Store) merge(messages ...Message) {
	for _, message := range messages {
		if message.ID == "" {
			continue
		}
		if _, ok := s.seen[message.ID]; ok {
			continue
		}
		s.seen[message.ID] = struct{}{}
		s.history = insertSorted(s.history, message)
	}
}

// insertSorted places the message at its ordered position rather than
// appending, so out-of-order arrivals never leave the log unsorted.
func insertSorted(history []Message, message Message) []Message {
	lo, hi := 0, len(history)
	for lo < hi {
		mid := (lo + hi) / 2
		if less(history[mid], message) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	history = append(history, Message{})
	copy(history[lo+1:], history[lo:])
	history[lo] = message
	return history
}
