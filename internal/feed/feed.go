// Package feed publishes committed session mutations over Redis pub/sub and
// delivers them to per-session subscribers.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"oathboard/api/internal/store"
)

const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"

	TableRounds   = "rounds"
	TableMessages = "messages"
)

// ChildEvent reports a change to a round or message belonging to a session.
type ChildEvent struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	SessionID string          `json:"sessionId"`
	Record    json.RawMessage `json:"record"`
}

// Unsubscribe stops a subscription. It is safe to call more than once,
// including from inside a callback. At most one callback that was already
// under way may still run after it returns.
type Unsubscribe func()

// Feed is the Redis-backed change feed.
type Feed struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client) *Feed {
	return &Feed{client: client, prefix: "pair:session:"}
}

// NewFromURL connects to redisURL and verifies the connection.
func NewFromURL(redisURL string) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(client), nil
}

func (f *Feed) Client() *redis.Client {
	return f.client
}

func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *Feed) Close() error {
	return f.client.Close()
}

func (f *Feed) sessionChannel(sessionID string) string {
	return f.prefix + sessionID
}

func (f *Feed) childChannel(sessionID string) string {
	return f.prefix + sessionID + ":children"
}

// PublishSession announces a committed snapshot of session.
func (f *Feed) PublishSession(ctx context.Context, session store.PairSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	if err := f.client.Publish(ctx, f.sessionChannel(session.ID), payload).Err(); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// PublishChild announces an inserted or updated round or message. record is
// marshalled as the event's Record.
func (f *Feed) PublishChild(ctx context.Context, sessionID, eventType, table string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", table, err)
	}
	payload, err := json.Marshal(ChildEvent{Type: eventType, Table: table, SessionID: sessionID, Record: raw})
	if err != nil {
		return fmt.Errorf("marshal child event: %w", err)
	}
	if err := f.client.Publish(ctx, f.childChannel(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish child event: %w", err)
	}
	return nil
}

// Subscribe calls onChange with every snapshot published for sessionID, in
// delivery order. onDrop, when set, is called once if the connection is lost
// before Unsubscribe; the subscription is finished at that point and the
// caller must fetch and subscribe again.
func (f *Feed) Subscribe(ctx context.Context, sessionID string, onChange func(store.PairSession), onDrop func(error)) (Unsubscribe, error) {
	return f.subscribe(ctx, f.sessionChannel(sessionID), onDrop, func(payload string) {
		var session store.PairSession
		if err := json.Unmarshal([]byte(payload), &session); err != nil {
			log.Printf("feed: drop malformed session event on %s: %v", sessionID, err)
			return
		}
		onChange(session)
	})
}

// SubscribeToChildren delivers round and message events for sessionID to
// onInsert and onUpdate. Nil handlers ignore that event type.
func (f *Feed) SubscribeToChildren(ctx context.Context, sessionID string, onInsert, onUpdate func(ChildEvent), onDrop func(error)) (Unsubscribe, error) {
	return f.subscribe(ctx, f.childChannel(sessionID), onDrop, func(payload string) {
		var event ChildEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Printf("feed: drop malformed child event on %s: %v", sessionID, err)
			return
		}
		switch event.Type {
		case EventInsert:
			if onInsert != nil {
				onInsert(event)
			}
		case EventUpdate:
			if onUpdate != nil {
				onUpdate(event)
			}
		}
	})
}

func (f *Feed) subscribe(ctx context.Context, channel string, onDrop func(error), deliver func(string)) (Unsubscribe, error) {
	ps := f.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so that events published
	// after Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{ps: ps, cancel: cancel}
	go sub.run(runCtx, channel, onDrop, deliver)
	return sub.stop, nil
}

type subscription struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
}

func (s *subscription) run(ctx context.Context, channel string, onDrop func(error), deliver func(string)) {
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if s.closed.Load() {
			return
		}
		if err != nil {
			log.Printf("feed: subscription %s dropped: %v", channel, err)
			s.stop()
			if onDrop != nil {
				onDrop(err)
			}
			return
		}
		deliver(msg.Payload)
	}
}

// stop marks the subscription closed before tearing down the connection.
// A message that was already received when stop ran can still be delivered,
// so a receiver may see at most one callback after stop returns. stop never
// waits for a callback and may be called from inside one.
func (s *subscription) stop() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		_ = s.ps.Close()
	})
}
