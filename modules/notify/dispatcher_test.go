package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/truongminhphung/realtime-messaging-app/domain/notification"
)

type fakeNotifStore struct {
	mu        sync.Mutex
	created   []*notification.Notification
	statuses  map[string]notification.Status
	createErr error
}

func newFakeNotifStore() *fakeNotifStore {
	return &fakeNotifStore{statuses: make(map[string]notification.Status)}
}

func (s *fakeNotifStore) Create(_ context.Context, n *notification.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, n)
	s.statuses[n.ID] = n.Status
	return nil
}

func (s *fakeNotifStore) UpdateStatus(_ context.Context, id string, status notification.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushed map[string]int
}

func newFakePusher() *fakePusher {
	return &fakePusher{pushed: make(map[string]int)}
}

func (p *fakePusher) SendToUser(userID string, _ any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed[userID]++
	return 1
}

type fakeRetryQueue struct {
	retries     []*notification.Event
	deadLetters []*notification.Event
	retryErr    error
}

func (q *fakeRetryQueue) PublishRetry(_ context.Context, ev *notification.Event) error {
	if q.retryErr != nil {
		return q.retryErr
	}
	q.retries = append(q.retries, ev)
	return nil
}

func (q *fakeRetryQueue) PublishDeadLetter(_ context.Context, ev *notification.Event, _ string) error {
	q.deadLetters = append(q.deadLetters, ev)
	return nil
}

type failingProvider struct{ err error }

func (p *failingProvider) Name() string { return "failing" }

func (p *failingProvider) Deliver(context.Context, *notification.Notification, *notification.Event) error {
	return p.err
}

// fakeJSMsg implements only the acknowledgment surface the dispatcher uses.
type fakeJSMsg struct {
	jetstream.Msg
	acked  bool
	termed bool
	naked  bool
}

func (m *fakeJSMsg) Ack() error                       { m.acked = true; return nil }
func (m *fakeJSMsg) Term() error                      { m.termed = true; return nil }
func (m *fakeJSMsg) NakWithDelay(time.Duration) error { m.naked = true; return nil }

func testEvent() *notification.Event {
	return &notification.Event{
		Type:           notification.TypeNewMessage,
		MessageID:      "msg-1",
		RoomID:         "room-1",
		RoomName:       "General",
		SenderID:       "user-1",
		RecipientIDs:   []string{"user-2", "user-3"},
		MessageContent: "hello everyone",
		SenderInfo:     notification.SenderInfo{UserID: "user-1", Username: "alice", DisplayName: "Alice"},
		Timestamp:      time.Now().UTC(),
	}
}

func newTestDispatcher(store *fakeNotifStore, pusher *fakePusher, queue *fakeRetryQueue, providers ...Provider) *Dispatcher {
	cfg := DefaultDispatcherConfig()
	cfg.RetryDelay = time.Millisecond
	return NewDispatcher(cfg, store, pusher, queue, providers...)
}

func TestDispatcher_ProcessFansOutToRecipients(t *testing.T) {
	store := newFakeNotifStore()
	pusher := newFakePusher()
	d := newTestDispatcher(store, pusher, &fakeRetryQueue{}, &LogPushProvider{})

	if err := d.Process(context.Background(), testEvent()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(store.created) != 2 {
		t.Fatalf("created %d rows, want 2", len(store.created))
	}
	for _, n := range store.created {
		if n.Type != notification.TypeNewMessage {
			t.Errorf("row type = %q, want new_message", n.Type)
		}
		if store.statuses[n.ID] != notification.StatusSent {
			t.Errorf("row %s status = %q, want sent", n.ID, store.statuses[n.ID])
		}

		var content contentPayload
		if err := json.Unmarshal([]byte(n.Content), &content); err != nil {
			t.Fatalf("row content is not JSON: %v", err)
		}
		if content.Title != "New message in General" {
			t.Errorf("content title = %q, want room name in title", content.Title)
		}
		if !strings.Contains(content.Message, "Alice") || !strings.Contains(content.Message, "hello everyone") {
			t.Errorf("content message = %q, want sender and preview", content.Message)
		}
	}

	if pusher.pushed["user-2"] != 1 || pusher.pushed["user-3"] != 1 {
		t.Errorf("live pushes = %v, want one per recipient", pusher.pushed)
	}
	if pusher.pushed["user-1"] != 0 {
		t.Error("live push reached the sender")
	}
}

func TestDispatcher_ProcessSkipsSenderInRecipients(t *testing.T) {
	store := newFakeNotifStore()
	d := newTestDispatcher(store, newFakePusher(), &fakeRetryQueue{})

	ev := testEvent()
	ev.RecipientIDs = []string{"user-1", "user-2"}
	if err := d.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("created %d rows, want 1 (sender skipped)", len(store.created))
	}
	if store.created[0].UserID != "user-2" {
		t.Errorf("row user = %q, want user-2", store.created[0].UserID)
	}
}

func TestDispatcher_ProcessDropsUnknownType(t *testing.T) {
	store := newFakeNotifStore()
	d := newTestDispatcher(store, newFakePusher(), &fakeRetryQueue{})

	ev := testEvent()
	ev.Type = "mystery"
	if err := d.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v, want nil for unknown type", err)
	}
	if len(store.created) != 0 {
		t.Errorf("created %d rows for unknown type, want 0", len(store.created))
	}
}

func TestDispatcher_ProviderFailureMarksRowFailedWithoutRetry(t *testing.T) {
	store := newFakeNotifStore()
	d := newTestDispatcher(store, newFakePusher(), &fakeRetryQueue{},
		&failingProvider{err: errors.New("smtp down")})

	// Provider (transport) failures are logged and marked on the row; they
	// never fail Process, since the rows are already persisted.
	if err := d.Process(context.Background(), testEvent()); err != nil {
		t.Fatalf("Process() error = %v, want nil for provider failure", err)
	}

	if len(store.created) != 2 {
		t.Fatalf("created %d rows, want 2", len(store.created))
	}
	for _, n := range store.created {
		if store.statuses[n.ID] != notification.StatusFailed {
			t.Errorf("row %s status = %q, want failed", n.ID, store.statuses[n.ID])
		}
	}
}

func TestDispatcher_ProviderFailureDoesNotDuplicateRows(t *testing.T) {
	store := newFakeNotifStore()
	queue := &fakeRetryQueue{}
	d := newTestDispatcher(store, newFakePusher(), queue,
		&failingProvider{err: errors.New("smtp down")})

	ev := testEvent()
	msg := &fakeJSMsg{}
	d.processMessage(context.Background(), "test", &ConsumeMessage{Event: ev, msg: msg})

	if !msg.acked {
		t.Error("message not acked when rows persisted")
	}
	if len(queue.retries) != 0 {
		t.Errorf("retries = %d after provider failure, want 0", len(queue.retries))
	}
	if len(store.created) != 2 {
		t.Errorf("created %d rows, want one per recipient with no duplicates", len(store.created))
	}
}

func TestDispatcher_RowCreationFailurePropagates(t *testing.T) {
	store := newFakeNotifStore()
	store.createErr = errors.New("db closed")
	d := newTestDispatcher(store, newFakePusher(), &fakeRetryQueue{})

	if err := d.Process(context.Background(), testEvent()); err == nil {
		t.Fatal("Process() error = nil, want persistence failure surfaced")
	}
}

func TestDispatcher_FailureRepublishesWithIncrementedCount(t *testing.T) {
	queue := &fakeRetryQueue{}
	d := newTestDispatcher(newFakeNotifStore(), newFakePusher(), queue)

	ev := testEvent()
	ev.RetryCount = 1
	msg := &fakeJSMsg{}
	d.handleFailure(context.Background(), "test", &ConsumeMessage{Event: ev, msg: msg}, errors.New("boom"))

	if len(queue.retries) != 1 {
		t.Fatalf("retries = %d, want 1", len(queue.retries))
	}
	if queue.retries[0].RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", queue.retries[0].RetryCount)
	}
	if !msg.acked {
		t.Error("original message not acked after republish")
	}
	if len(queue.deadLetters) != 0 {
		t.Errorf("dead letters = %d, want 0", len(queue.deadLetters))
	}
}

func TestDispatcher_ExhaustedRetriesGoToDeadLetter(t *testing.T) {
	queue := &fakeRetryQueue{}
	d := newTestDispatcher(newFakeNotifStore(), newFakePusher(), queue)

	ev := testEvent()
	ev.RetryCount = d.config.MaxRetries
	msg := &fakeJSMsg{}
	d.handleFailure(context.Background(), "test", &ConsumeMessage{Event: ev, msg: msg}, errors.New("boom"))

	if len(queue.deadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(queue.deadLetters))
	}
	if len(queue.retries) != 0 {
		t.Errorf("retries = %d, want 0", len(queue.retries))
	}
	if !msg.termed {
		t.Error("exhausted message not terminated")
	}
}

func TestDispatcher_RetryPublishFailureNaksOriginal(t *testing.T) {
	queue := &fakeRetryQueue{retryErr: errors.New("broker gone")}
	d := newTestDispatcher(newFakeNotifStore(), newFakePusher(), queue)

	msg := &fakeJSMsg{}
	d.handleFailure(context.Background(), "test", &ConsumeMessage{Event: testEvent(), msg: msg}, errors.New("boom"))

	if !msg.naked {
		t.Error("message not NAKed when retry publish failed")
	}
	if msg.acked {
		t.Error("message acked despite failed retry publish")
	}
}

func TestBuildContent_Titles(t *testing.T) {
	tests := []struct {
		typ       notification.Type
		wantTitle string
	}{
		{notification.TypeNewMessage, "New message in General"},
		{notification.TypeRoomInvite, "Room invitation"},
		{notification.TypeFriendRequest, "Friend request"},
		{notification.TypeFriendRequestAccepted, "Friend request accepted"},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			ev := testEvent()
			ev.Type = tt.typ
			raw, err := buildContent(ev)
			if err != nil {
				t.Fatalf("buildContent() error = %v", err)
			}
			var content contentPayload
			if err := json.Unmarshal([]byte(raw), &content); err != nil {
				t.Fatalf("content is not JSON: %v", err)
			}
			if content.Title != tt.wantTitle {
				t.Errorf("title = %q, want %q", content.Title, tt.wantTitle)
			}
		})
	}
}

func TestDispatcher_RetryDelayGrowsLinearly(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig(), newFakeNotifStore(), nil, &fakeRetryQueue{})

	if got := d.retryDelay(1); got != 5*time.Second {
		t.Errorf("retryDelay(1) = %v, want 5s", got)
	}
	if got := d.retryDelay(3); got != 15*time.Second {
		t.Errorf("retryDelay(3) = %v, want 15s", got)
	}
}
