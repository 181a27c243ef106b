package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/envelope"
	"chat-sync/internal/observability"
)

// ParticipantSource resolves the current members of a chat.
type ParticipantSource interface {
	ListParticipants(ctx context.Context, chatID int) ([]int, error)
}

// OfflineNotifier hands an event to the push path for users without a live
// connection on this node.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, userIDs []int, ev envelope.Event) error
}

// Broadcaster forwards a delivery to the other nodes of the cluster.
type Broadcaster interface {
	Broadcast(ctx context.Context, d Delivery) error
}

// Delivery is one encoded envelope addressed to a set of users.
type Delivery struct {
	Event   envelope.Name `json:"event"`
	UserIDs []int         `json:"userIds"`
	Exclude string        `json:"exclude,omitempty"`
	Frame   []byte        `json:"frame"`
}

// Fanout pushes notification envelopes to every live session of every chat
// participant. Mutations that go through Commit are fanned out in the order
// they were committed.
type Fanout struct {
	registry     *Registry
	participants ParticipantSource
	offline      OfflineNotifier
	relay        Broadcaster

	mu    sync.Mutex
	locks map[int]*chatLock

	// Broker calls run on one worker in enqueue order, off the chat lock.
	hooks       chan func()
	hookTimeout time.Duration
	stop        chan struct{}
	drained     chan struct{}
	closeOnce   sync.Once
}

const (
	hookQueueSize      = 1024
	defaultHookTimeout = 5 * time.Second
)

type chatLock struct {
	mu   sync.Mutex
	refs int
}

// NewFanout builds a Fanout. offline may be nil.
func NewFanout(registry *Registry, participants ParticipantSource, offline OfflineNotifier) *Fanout {
	f := &Fanout{
		registry:     registry,
		participants: participants,
		offline:      offline,
		locks:        make(map[int]*chatLock),
		hooks:        make(chan func(), hookQueueSize),
		hookTimeout:  defaultHookTimeout,
		stop:         make(chan struct{}),
		drained:      make(chan struct{}),
	}
	go f.runHooks()
	return f
}

// Close stops the broker worker after running what is already queued.
func (f *Fanout) Close() {
	f.closeOnce.Do(func() { close(f.stop) })
	<-f.drained
}

func (f *Fanout) runHooks() {
	defer close(f.drained)
	for {
		select {
		case job := <-f.hooks:
			job()
		case <-f.stop:
			for {
				select {
				case job := <-f.hooks:
					job()
				default:
					return
				}
			}
		}
	}
}

// enqueue hands a broker call to the worker. It never blocks: a full queue
// drops the call.
func (f *Fanout) enqueue(ctx context.Context, name string, ev envelope.Event, call func(ctx context.Context) error) {
	select {
	case <-f.stop:
		return
	default:
	}
	base := context.WithoutCancel(ctx)
	job := func() {
		ctx, cancel := context.WithTimeout(base, f.hookTimeout)
		defer cancel()
		if err := call(ctx); err != nil {
			zap.L().Warn(name+" failed", zap.Int("chat_id", ev.ChatID()), zap.String("event", string(ev.Name())), zap.Error(err))
		}
	}
	select {
	case f.hooks <- job:
	default:
		observability.IncFanout(string(ev.Name()), "hook_dropped")
		zap.L().Warn("fanout hook queue full", zap.String("hook", name), zap.Int("chat_id", ev.ChatID()))
	}
}

// UseRelay enables cross-node forwarding.
func (f *Fanout) UseRelay(relay Broadcaster) {
	f.relay = relay
}

// Commit runs mutate and fans out the event it returns while holding the
// chat's lock, so envelopes leave in commit order. A nil event skips the
// fan-out. Only mutate's error is returned; delivery is best effort.
func (f *Fanout) Commit(ctx context.Context, chatID int, excludeSessionID string, mutate func(ctx context.Context) (envelope.Event, error)) error {
	return f.commit(ctx, chatID, excludeSessionID, func(ctx context.Context) (envelope.Event, []int, error) {
		ev, err := mutate(ctx)
		return ev, nil, err
	})
}

// CommitUsers is Commit for mutations that remove the participant set, such
// as deleting the chat. mutate returns the recipients itself.
func (f *Fanout) CommitUsers(ctx context.Context, chatID int, excludeSessionID string, mutate func(ctx context.Context) (envelope.Event, []int, error)) error {
	return f.commit(ctx, chatID, excludeSessionID, mutate)
}

func (f *Fanout) commit(ctx context.Context, chatID int, excludeSessionID string, mutate func(ctx context.Context) (envelope.Event, []int, error)) error {
	unlock := f.lockChat(chatID)
	defer unlock()

	ev, recipients, err := mutate(ctx)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	if recipients != nil {
		err = f.push(ctx, recipients, ev, excludeSessionID)
	} else {
		err = f.notify(ctx, chatID, ev, excludeSessionID)
	}
	if err != nil {
		zap.L().Warn("fanout failed", zap.Int("chat_id", chatID), zap.String("event", string(ev.Name())), zap.Error(err))
	}
	return nil
}

// Notify pushes ev to every live session of the chat's current participants,
// skipping excludeSessionID when it is set.
func (f *Fanout) Notify(ctx context.Context, chatID int, ev envelope.Event, excludeSessionID string) error {
	unlock := f.lockChat(chatID)
	defer unlock()
	return f.notify(ctx, chatID, ev, excludeSessionID)
}

// NotifyUsers pushes ev to an explicit recipient set. It is used when the
// participant set no longer exists, as after a chat is deleted.
func (f *Fanout) NotifyUsers(ctx context.Context, userIDs []int, ev envelope.Event, excludeSessionID string) error {
	unlock := f.lockChat(ev.ChatID())
	defer unlock()
	return f.push(ctx, userIDs, ev, excludeSessionID)
}

func (f *Fanout) notify(ctx context.Context, chatID int, ev envelope.Event, excludeSessionID string) error {
	userIDs, err := f.participants.ListParticipants(ctx, chatID)
	if err != nil {
		return fmt.Errorf("list participants of chat %d: %w", chatID, err)
	}
	return f.push(ctx, userIDs, ev, excludeSessionID)
}

func (f *Fanout) push(ctx context.Context, userIDs []int, ev envelope.Event, excludeSessionID string) error {
	start := time.Now()
	defer func() { observability.ObserveFanout(time.Since(start)) }()

	frame, err := envelope.Encode(ev)
	if err != nil {
		return err
	}
	d := Delivery{Event: ev.Name(), UserIDs: dedupe(userIDs), Exclude: excludeSessionID, Frame: frame}
	online := f.Deliver(d)

	if f.offline != nil {
		var offline []int
		for _, userID := range d.UserIDs {
			if !online[userID] {
				offline = append(offline, userID)
			}
		}
		if len(offline) > 0 {
			observability.IncFanout(string(ev.Name()), "offline")
			f.enqueue(ctx, "offline hand-off", ev, func(ctx context.Context) error {
				return f.offline.NotifyOffline(ctx, offline, ev)
			})
		}
	}

	if f.relay != nil {
		f.enqueue(ctx, "relay broadcast", ev, func(ctx context.Context) error {
			return f.relay.Broadcast(ctx, d)
		})
	}
	return nil
}

// Deliver enqueues d on every matching live connection of this node and
// reports which users had at least one. It never blocks on a socket.
func (f *Fanout) Deliver(d Delivery) map[int]bool {
	online := make(map[int]bool, len(d.UserIDs))
	for _, peer := range f.registry.PeersForUsers(d.UserIDs) {
		online[peer.UserID()] = true
		if d.Exclude != "" && peer.SessionID() == d.Exclude {
			continue
		}
		if peer.Send(d.Frame) {
			observability.IncFanout(string(d.Event), "delivered")
		} else {
			observability.IncFanout(string(d.Event), "dropped")
			zap.L().Debug("fanout dropped", zap.String("session_id", peer.SessionID()), zap.String("event", string(d.Event)))
		}
	}
	return online
}

func (f *Fanout) lockChat(chatID int) func() {
	f.mu.Lock()
	l, ok := f.locks[chatID]
	if !ok {
		l = &chatLock{}
		f.locks[chatID] = l
	}
	l.refs++
	f.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		f.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(f.locks, chatID)
		}
		f.mu.Unlock()
	}
}

func dedupe(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
