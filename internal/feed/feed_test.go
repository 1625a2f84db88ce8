package feed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"oathboard/api/internal/store"
)

func setupTestFeed(t *testing.T) (*Feed, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	f, err := NewFromURL("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewFromURL failed: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f, s
}

func TestSubscribeDeliversSnapshotsInOrder(t *testing.T) {
	f, _ := setupTestFeed(t)
	ctx := context.Background()

	received := make(chan store.PairSession, 8)
	unsubscribe, err := f.Subscribe(ctx, "s1", func(session store.PairSession) {
		received <- session
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe()

	for version := int64(1); version <= 3; version++ {
		if err := f.PublishSession(ctx, store.PairSession{ID: "s1", Version: version}); err != nil {
			t.Fatalf("PublishSession failed: %v", err)
		}
	}
	// Events for other sessions use a different channel.
	if err := f.PublishSession(ctx, store.PairSession{ID: "s2", Version: 99}); err != nil {
		t.Fatalf("PublishSession failed: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		select {
		case got := <-received:
			if got.ID != "s1" || got.Version != want {
				t.Fatalf("expected s1 v%d, got %s v%d", want, got.ID, got.Version)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for version %d", want)
		}
	}
	select {
	case got := <-received:
		t.Fatalf("unexpected event %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	f, _ := setupTestFeed(t)
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	received := make(chan struct{}, 8)
	unsubscribe, err := f.Subscribe(ctx, "s1", func(store.PairSession) {
		mu.Lock()
		count++
		mu.Unlock()
		received <- struct{}{}
	}, func(error) {
		t.Error("onDrop must not be called after an explicit unsubscribe")
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := f.PublishSession(ctx, store.PairSession{ID: "s1", Version: 1}); err != nil {
		t.Fatalf("PublishSession failed: %v", err)
	}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	unsubscribe()
	unsubscribe()

	for i := 0; i < 5; i++ {
		_ = f.PublishSession(ctx, store.PairSession{ID: "s1", Version: int64(i + 2)})
	}
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one delivery, got %d", count)
	}
}

func TestSubscribeToChildrenRoutesByType(t *testing.T) {
	f, _ := setupTestFeed(t)
	ctx := context.Background()

	inserts := make(chan ChildEvent, 4)
	updates := make(chan ChildEvent, 4)
	unsubscribe, err := f.SubscribeToChildren(ctx, "s1",
		func(e ChildEvent) { inserts <- e },
		func(e ChildEvent) { updates <- e },
		nil,
	)
	if err != nil {
		t.Fatalf("SubscribeToChildren failed: %v", err)
	}
	defer unsubscribe()

	round := store.Round{SessionID: "s1", Number: 1, Idea: "idea"}
	if err := f.PublishChild(ctx, "s1", EventInsert, TableRounds, round); err != nil {
		t.Fatalf("PublishChild failed: %v", err)
	}
	if err := f.PublishChild(ctx, "s1", EventUpdate, TableRounds, round); err != nil {
		t.Fatalf("PublishChild failed: %v", err)
	}

	select {
	case e := <-inserts:
		var got store.Round
		if err := json.Unmarshal(e.Record, &got); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if e.Table != TableRounds || got.Idea != "idea" {
			t.Fatalf("unexpected insert %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for insert")
	}
	select {
	case e := <-updates:
		if e.Type != EventUpdate || e.SessionID != "s1" {
			t.Fatalf("unexpected update %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestSubscriptionDropReportsOnce(t *testing.T) {
	f, s := setupTestFeed(t)
	ctx := context.Background()

	dropped := make(chan error, 2)
	unsubscribe, err := f.Subscribe(ctx, "s1", func(store.PairSession) {}, func(err error) {
		dropped <- err
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe()

	s.Close()

	select {
	case err := <-dropped:
		if err == nil {
			t.Fatal("expected a non-nil drop error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for drop")
	}
	select {
	case <-dropped:
		t.Fatal("drop must be reported once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeFromInsideCallback(t *testing.T) {
	f, _ := setupTestFeed(t)
	ctx := context.Background()

	var (
		mu          sync.Mutex
		unsubscribe Unsubscribe
		calls       int
	)
	returned := make(chan struct{}, 1)
	mu.Lock()
	unsub, err := f.Subscribe(ctx, "s1", func(store.PairSession) {
		mu.Lock()
		calls++
		stop := unsubscribe
		mu.Unlock()
		stop()
		returned <- struct{}{}
	}, nil)
	if err != nil {
		mu.Unlock()
		t.Fatalf("Subscribe failed: %v", err)
	}
	unsubscribe = unsub
	mu.Unlock()

	for version := int64(1); version <= 3; version++ {
		if err := f.PublishSession(ctx, store.PairSession{ID: "s1", Version: version}); err != nil {
			t.Fatalf("PublishSession failed: %v", err)
		}
	}

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribing inside the callback did not return")
	}
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one callback, got %d", calls)
	}
}
