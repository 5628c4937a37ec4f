package notes

import (
	"context"
	"sync"

	"github.com/kumpul-app/kumpul-backend/internal/realtime"
)

// Subscriber is the subscribe side of the realtime transport.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan realtime.Event, func())
}

// Watcher re-reads a note whenever a change event for it or its blocks
// arrives. Refetching the whole note instead of patching in place matches
// the full-replace update model: the event stream gives no usable delta.
//
// A watcher is an owned resource: Stop releases the subscription exactly
// once, and callbacks cease after Stop returns control of the channel.
type Watcher struct {
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// WatchNote streams full-note snapshots to onUpdate for every change
// event on the note or its blocks. Fetch failures go to onError; the
// watcher keeps running so a transient failure drops one refresh, not the
// subscription.
func (s *Service) WatchNote(ctx context.Context, subscriber Subscriber, noteID, userID string, onUpdate func(Detail), onError func(error)) *Watcher {
	watchCtx, cancel := context.WithCancel(ctx)
	events, unsubscribe := subscriber.Subscribe(watchCtx, realtime.NoteTopic(noteID))

	watcher := &Watcher{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(watcher.done)
		defer unsubscribe()
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				detail, err := s.GetByID(watchCtx, noteID, userID)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onUpdate != nil {
					onUpdate(detail)
				}
			}
		}
	}()
	return watcher
}

// WatchGroupNotes streams the visible note list for a group on every note
// change event in that group.
func (s *Service) WatchGroupNotes(ctx context.Context, subscriber Subscriber, groupID, userID string, onUpdate func([]ListEntry), onError func(error)) *Watcher {
	watchCtx, cancel := context.WithCancel(ctx)
	events, unsubscribe := subscriber.Subscribe(watchCtx, realtime.GroupNotesTopic(groupID))

	watcher := &Watcher{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(watcher.done)
		defer unsubscribe()
		for {
			select {
			case <-watchCtx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				entries, err := s.ListGroup(watchCtx, groupID, userID)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onUpdate != nil {
					onUpdate(entries)
				}
			}
		}
	}()
	return watcher
}

// Stop releases the subscription and waits for in-flight callbacks to
// finish. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(w.cancel)
	<-w.done
}
