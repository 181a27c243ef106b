package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-sync/internal/models"
)

// State is the delivery state of a rendered message.
type State int

const (
	StatePending State = iota + 1
	StateSending
	StateFailed
	StateAcknowledged
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSending:
		return "sending"
	case StateFailed:
		return "failed"
	case StateAcknowledged:
		return "acknowledged"
	default:
		return "unknown"
	}
}

var ErrEmptyMessage = errors.New("message needs text or attachments")

// Poster stores a message on the server.
type Poster interface {
	PostMessage(ctx context.Context, chatID int, msg models.NewMessage, progress func(written, total int64)) (models.MessageInfo, error)
}

// PendingMessage is an unacknowledged send.
type PendingMessage struct {
	Draft    models.MessageInfo
	State    State
	Attempts int
	LastErr  error
}

type pendingEntry struct {
	PendingMessage
	task *Task
}

// Tracker owns the optimistic sends of one device, keyed by localId. A send
// failure is kept for manual Retry and never retried automatically.
type Tracker struct {
	userID int
	poster Poster
	store  *MessageStore
	log    *zap.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*pendingEntry
	wg      sync.WaitGroup
}

// NewTracker builds a tracker sending as userID. log may be nil.
func NewTracker(userID int, poster Poster, store *MessageStore, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		userID:  userID,
		poster:  poster,
		store:   store,
		log:     log,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*pendingEntry),
	}
}

// NewLocalID returns "{userID}+{128 random bits as hex}".
func NewLocalID(userID int) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate local id: %w", err)
	}
	return fmt.Sprintf("%d+%s", userID, hex.EncodeToString(id[:])), nil
}

// Send renders a pending draft and posts it in the background. The returned
// task carries the draft's localId.
func (t *Tracker) Send(chatID int, text string, attachments []models.Attachment) (*Task, error) {
	if text == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	localID, err := NewLocalID(t.userID)
	if err != nil {
		return nil, err
	}

	draft := models.MessageInfo{
		LocalID:     localID,
		ChatID:      chatID,
		AuthorID:    t.userID,
		Attachments: attachments,
		CreatedAt:   t.now(),
		IsVisible:   true,
		ReadMarks:   []models.ReadMark{},
	}
	if draft.Attachments == nil {
		draft.Attachments = []models.Attachment{}
	}
	if text != "" {
		draft.Text = &text
	}

	t.store.AddPending(draft, StatePending)

	t.mu.Lock()
	entry := &pendingEntry{PendingMessage: PendingMessage{Draft: draft, State: StatePending}}
	t.entries[localID] = entry
	task := t.startLocked(entry)
	t.mu.Unlock()

	return task, nil
}

// Retry re-posts a failed send with the same localId. A send that is still
// pending or in flight is left alone and its current task is returned with
// false.
func (t *Tracker) Retry(localID string) (*Task, bool) {
	t.mu.Lock()
	entry, ok := t.entries[localID]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	if entry.State != StateFailed {
		task := entry.task
		t.mu.Unlock()
		return task, false
	}
	entry.State = StatePending
	entry.LastErr = nil
	task := t.startLocked(entry)
	t.mu.Unlock()

	return task, true
}

// Discard drops a failed send from the tracker and the store.
func (t *Tracker) Discard(localID string) bool {
	t.mu.Lock()
	entry, ok := t.entries[localID]
	if !ok || entry.State != StateFailed {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, localID)
	t.mu.Unlock()

	t.store.Discard(localID)
	return true
}

// Get returns a snapshot of one tracked send.
func (t *Tracker) Get(localID string) (PendingMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[localID]
	if !ok {
		return PendingMessage{}, false
	}
	return entry.PendingMessage, true
}

// PendingFor returns the tracked sends of chatID as store entries, oldest
// first.
func (t *Tracker) PendingFor(chatID int) []Entry {
	t.mu.Lock()
	var out []Entry
	for _, entry := range t.entries {
		if entry.Draft.ChatID == chatID {
			out = append(out, Entry{Message: entry.Draft, State: entry.State})
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Message.CreatedAt.Before(out[j].Message.CreatedAt)
	})
	return out
}

// Len reports the number of tracked sends.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels every in-flight send and waits for them to settle.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

// startLocked must be called with mu held and entry not in flight.
func (t *Tracker) startLocked(entry *pendingEntry) *Task {
	ctx, cancel := context.WithCancel(t.ctx)
	task := newTask(entry.Draft.LocalID, cancel)
	entry.task = task
	entry.Attempts++

	req := models.NewMessage{
		LocalID:     entry.Draft.LocalID,
		Text:        entry.Draft.Text,
		Attachments: entry.Draft.Attachments,
		IsVisible:   &entry.Draft.IsVisible,
	}
	chatID := entry.Draft.ChatID

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		t.run(ctx, task, chatID, req)
	}()
	return task
}

func (t *Tracker) run(ctx context.Context, task *Task, chatID int, req models.NewMessage) {
	localID := req.LocalID
	t.transition(localID, StateSending)

	info, err := t.poster.PostMessage(ctx, chatID, req, task.report)
	if err != nil {
		t.fail(localID, err)
		task.finish(err)
		return
	}

	t.forget(localID)
	t.store.Acknowledge(info)
	t.log.Debug("message acknowledged", zap.String("local_id", localID), zap.Int("message_id", info.ID))
	task.finish(nil)
}

func (t *Tracker) transition(localID string, state State) {
	t.mu.Lock()
	entry, ok := t.entries[localID]
	if ok {
		entry.State = state
	}
	t.mu.Unlock()
	if ok && !t.store.SetState(localID, state) {
		t.forget(localID)
	}
}

func (t *Tracker) fail(localID string, err error) {
	t.mu.Lock()
	entry, ok := t.entries[localID]
	var attempts int
	if ok {
		entry.State = StateFailed
		entry.LastErr = err
		attempts = entry.Attempts
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.log.Warn("message send failed", zap.String("local_id", localID), zap.Int("attempt", attempts), zap.Error(err))
	// The socket may already have delivered the stored copy.
	if !t.store.SetState(localID, StateFailed) {
		t.forget(localID)
	}
}

func (t *Tracker) forget(localID string) {
	t.mu.Lock()
	delete(t.entries, localID)
	t.mu.Unlock()
}

// Progress reports request body bytes written. Total is -1 when unknown.
type Progress struct {
	Written int64
	Total   int64
}

// Task is one POST attempt. Progress updates are dropped when the reader
// falls behind.
type Task struct {
	localID  string
	cancel   context.CancelFunc
	done     chan struct{}
	progress chan Progress

	mu       sync.Mutex
	finished bool
	err      error
}

func newTask(localID string, cancel context.CancelFunc) *Task {
	return &Task{
		localID:  localID,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: make(chan Progress, 16),
	}
}

// LocalID returns the localId of the message being sent.
func (t *Task) LocalID() string { return t.localID }

// Done is closed when the attempt has settled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Progress streams upload progress and is closed when the attempt settles.
func (t *Task) Progress() <-chan Progress { return t.progress }

// Cancel aborts the attempt. The send ends up failed and can be retried.
func (t *Task) Cancel() { t.cancel() }

// Err returns the attempt's error once Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the attempt settles or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// report may run on the transport's body-writing goroutine.
func (t *Task) report(written, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	select {
	case t.progress <- Progress{Written: written, Total: total}:
	default:
	}
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.err = err
	close(t.progress)
	close(t.done)
}
