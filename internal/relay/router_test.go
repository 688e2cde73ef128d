package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newRouterFixture(t *testing.T, store *fakeStore) (*Registry, *Router) {
	t.Helper()
	log := zaptest.NewLogger(t)
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, nil, log)
	bridge := NewPersistenceBridge(store, time.Second, nil, log)
	return registry, NewRouter(registry, broadcaster, bridge, nil, log)
}

func register(t *testing.T, r *Registry, id, userID string) (*Session, *fakeConn) {
	t.Helper()
	s, conn := openSession(id, userID)
	if err := r.Add(s); err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
	return s, conn
}

func TestRouteBroadcastReachesEverySessionIncludingSender(t *testing.T) {
	store := &fakeStore{}
	registry, router := newRouterFixture(t, store)

	a, aConn := register(t, registry, "a", "alice")
	_, bConn := register(t, registry, "b", "bob")
	_, cConn := register(t, registry, "c", "carol")

	n := router.Route(context.Background(), a, Message{FromUserID: "mallory", ChatRoomID: "room", Content: "hello all"})
	if n != 3 {
		t.Errorf("delivered = %d, want 3", n)
	}

	for name, conn := range map[string]*fakeConn{"alice": aConn, "bob": bConn, "carol": cConn} {
		got := conn.received()
		if len(got) != 1 {
			t.Errorf("%s received %d messages, want 1", name, len(got))
			continue
		}
		if got[0].FromUserID != "alice" || got[0].Content != "hello all" {
			t.Errorf("%s received %+v", name, got[0])
		}
	}
	if calls := store.calls(); len(calls) != 0 {
		t.Errorf("broadcast persisted %d times, want 0", len(calls))
	}
}

func TestRouteDirectReachesEverySessionOfRecipient(t *testing.T) {
	store := &fakeStore{}
	registry, router := newRouterFixture(t, store)

	_, a1 := register(t, registry, "a1", "alice")
	_, a2 := register(t, registry, "a2", "alice")
	_, bConn := register(t, registry, "b", "bob")
	c, cConn := register(t, registry, "c", "carol")

	msg := Message{FromUserID: "alice", ToUserID: "alice", ChatRoomID: "room-1", Content: "psst"}
	if n := router.Route(context.Background(), c, msg); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}

	for name, conn := range map[string]*fakeConn{"a1": a1, "a2": a2} {
		got := conn.received()
		if len(got) != 1 || got[0].FromUserID != "carol" || got[0].ToUserID != "alice" {
			t.Errorf("%s received %+v", name, got)
		}
	}
	if len(bConn.received()) != 0 || len(cConn.received()) != 0 {
		t.Error("message leaked to a session of another user")
	}

	calls := store.calls()
	if len(calls) != 2 {
		t.Fatalf("store calls = %d, want 2", len(calls))
	}
	for _, call := range calls {
		if call.credential != "key-carol" {
			t.Errorf("stored with credential %q, want sender's", call.credential)
		}
		if call.msg.Content != "psst" || call.msg.ChatRoomID != "room-1" {
			t.Errorf("stored %+v", call.msg)
		}
	}
}

func TestRouteDirectToOfflineUserIsDropped(t *testing.T) {
	store := &fakeStore{}
	registry, router := newRouterFixture(t, store)
	a, aConn := register(t, registry, "a", "alice")

	if n := router.Route(context.Background(), a, Message{ToUserID: "nobody", Content: "hello?"}); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
	if len(aConn.received()) != 0 {
		t.Error("sender received its own undeliverable message")
	}
	if len(store.calls()) != 0 {
		t.Error("undelivered message was persisted")
	}
}

func TestRouteDirectContinuesPastFailedRecipient(t *testing.T) {
	store := &fakeStore{}
	log, logs := observedLogger()
	registry := NewRegistry()
	router := NewRouter(registry, NewBroadcaster(registry, nil, log), NewPersistenceBridge(store, time.Second, nil, log), nil, log)

	_, a1 := register(t, registry, "a1", "alice")
	_, a2 := register(t, registry, "a2", "alice")
	_, a3 := register(t, registry, "a3", "alice")
	c, _ := register(t, registry, "c", "carol")
	a1.failWith(errBroken)

	if n := router.Route(context.Background(), c, Message{ToUserID: "alice", Content: "hi"}); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	if len(a2.received()) != 1 || len(a3.received()) != 1 {
		t.Error("healthy recipients did not receive the message")
	}
	if len(store.calls()) != 2 {
		t.Errorf("store calls = %d, want one per successful delivery", len(store.calls()))
	}
	if logs.FilterMessage("chat message send failed").Len() != 1 {
		t.Error("failed delivery was not logged")
	}
	if a1.closeCount() != 1 {
		t.Error("failed recipient transport was not closed")
	}
}

func TestRouteDirectDeliveredWhenPersistenceFails(t *testing.T) {
	store := &fakeStore{err: errors.New("backend down")}
	log, logs := observedLogger()
	registry := NewRegistry()
	router := NewRouter(registry, NewBroadcaster(registry, nil, log), NewPersistenceBridge(store, time.Second, nil, log), nil, log)

	_, aConn := register(t, registry, "a", "alice")
	c, _ := register(t, registry, "c", "carol")

	if n := router.Route(context.Background(), c, Message{ToUserID: "alice", Content: "saved?"}); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if got := aConn.received(); len(got) != 1 || got[0].Content != "saved?" {
		t.Errorf("recipient received %+v", got)
	}
	if logs.FilterMessage("saving chat message failed").Len() != 1 {
		t.Error("persistence failure was not logged")
	}
}

func TestBroadcastSkipsFailingRecipient(t *testing.T) {
	log, logs := observedLogger()
	registry := NewRegistry()
	b := NewBroadcaster(registry, nil, log)

	_, aConn := register(t, registry, "a", "alice")
	_, bConn := register(t, registry, "b", "bob")
	_, cConn := register(t, registry, "c", "carol")
	bConn.failWith(errBroken)

	if n := b.Broadcast(context.Background(), Message{FromUserID: "alice", Content: "x"}); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
	if len(aConn.received()) != 1 || len(cConn.received()) != 1 {
		t.Error("healthy sessions missed the broadcast")
	}
	if logs.FilterMessage("chat broadcast message send failed").Len() != 1 {
		t.Error("failed broadcast delivery was not logged")
	}
}

func TestBroadcastUsesSnapshotTakenAtStart(t *testing.T) {
	log, _ := observedLogger()
	registry := NewRegistry()
	b := NewBroadcaster(registry, nil, log)

	_, aConn := register(t, registry, "a", "alice")
	late, lateConn := openSession("late", "dave")
	aConn.onWrite = func() {
		if _, ok := registry.Get("late"); !ok {
			_ = registry.Add(late)
		}
	}

	if n := b.Broadcast(context.Background(), Message{Content: "x"}); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if len(lateConn.received()) != 0 {
		t.Error("session added mid-broadcast received the message")
	}
	if registry.Len() != 2 {
		t.Errorf("Len = %d, want 2", registry.Len())
	}
}

func TestPersistenceBridgeStore(t *testing.T) {
	tests := []struct {
		name  string
		store MessageStore
		want  bool
	}{
		{"success", &fakeStore{}, true},
		{"failure", &fakeStore{err: errBroken}, false},
		{"timeout", &fakeStore{block: true}, false},
		{"no store", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, _ := observedLogger()
			bridge := NewPersistenceBridge(tt.store, 20*time.Millisecond, nil, log)
			if got := bridge.Store(context.Background(), "key", Message{Content: "x"}); got != tt.want {
				t.Errorf("Store = %v, want %v", got, tt.want)
			}
		})
	}
}
