// Package reconcile keeps one participant's local view of a paired session in
// step with the store. Everything the client holds for a session lives in a
// single scope keyed by the session id; switching sessions swaps the scope
// whole, and events carrying any other id are dropped.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"oathboard/api/internal/feed"
	"oathboard/api/internal/joincode"
	"oathboard/api/internal/pairing"
	"oathboard/api/internal/store"
	"oathboard/api/internal/turn"
)

// ErrStaleSessionEvent marks an event for a session the client no longer
// holds. It is counted and logged, never shown.
var ErrStaleSessionEvent = errors.New("event for a session that is no longer current")

var ErrNoSession = errors.New("no current session")

const (
	reconnectAttempts  = 12
	reconnectBaseDelay = 50 * time.Millisecond
	reconnectMaxDelay  = 2 * time.Second
	reconnectTimeout   = 5 * time.Second
)

// Sessions is the lifecycle surface the client drives.
type Sessions interface {
	CreateSession(ctx context.Context, input pairing.CreateInput) (store.PairSession, error)
	JoinSession(ctx context.Context, code, joinerName string) (store.PairSession, error)
	GetSession(ctx context.Context, id string) (store.PairSession, error)
	EndSession(ctx context.Context, id string, role turn.Role) (store.PairSession, error)
	Act(ctx context.Context, id string, role turn.Role, action turn.Action) (pairing.ActResult, error)
	ListRounds(ctx context.Context, id string) ([]store.Round, error)
	TurnConfig(feature string) turn.Config
}

// Subscriber is the change feed surface the client listens on.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, onChange func(store.PairSession), onDrop func(error)) (feed.Unsubscribe, error)
	SubscribeToChildren(ctx context.Context, sessionID string, onInsert, onUpdate func(feed.ChildEvent), onDrop func(error)) (feed.Unsubscribe, error)
}

// View is the derived, read-only picture of the current session.
type View struct {
	SessionID    string
	Role         turn.Role
	JoinCode     string
	Feature      string
	Status       string
	CreatorName  string
	JoinerName   string
	EndReason    string
	Version      int64
	State        turn.State
	Pending      bool
	Allowed      []turn.ActionKind
	Rounds       []store.Round
	Messages     []store.Message
	Disconnected bool
}

// scope is everything held for one session id.
type scope struct {
	sessionID string
	role      turn.Role
	machine   *turn.Machine
	snapshot  store.PairSession
	state     turn.State
	rounds    map[int]store.Round
	messages  []store.Message
	messageID map[string]struct{}

	optimistic *turn.State

	unsubs       []feed.Unsubscribe
	disconnected bool
	reconnecting bool
}

// Client is one participant. The participant's display name is fixed at
// construction so two clients can run side by side in one process.
type Client struct {
	sessions Sessions
	feed     Subscriber
	name     string

	mu      sync.Mutex
	scope   *scope
	changed chan struct{}

	staleDrops atomic.Int64
}

func NewClient(sessions Sessions, subscriber Subscriber, name string) *Client {
	return &Client{
		sessions: sessions,
		feed:     subscriber,
		name:     name,
		changed:  make(chan struct{}),
	}
}

// StaleDrops counts events dropped because they named another session.
func (c *Client) StaleDrops() int64 {
	return c.staleDrops.Load()
}

// Create discards whatever session the client held and starts a new one as
// its creator.
func (c *Client) Create(ctx context.Context, input pairing.CreateInput) (View, error) {
	c.Discard()
	input.CreatorName = c.name
	session, err := c.sessions.CreateSession(ctx, input)
	if err != nil {
		return View{}, err
	}
	return c.attach(ctx, session, turn.RoleCreator)
}

// StartNew is Create under the name the UI uses after a session ended.
func (c *Client) StartNew(ctx context.Context, input pairing.CreateInput) (View, error) {
	return c.Create(ctx, input)
}

// Join discards the current session and joins the one holding code. The
// code is checked locally before any call is made.
func (c *Client) Join(ctx context.Context, code string) (View, error) {
	normalized, err := joincode.Parse(code)
	if err != nil {
		return View{}, &pairing.ValidationError{Field: "code", Message: err.Error()}
	}
	c.Discard()
	session, err := c.sessions.JoinSession(ctx, normalized, c.name)
	if err != nil {
		return View{}, err
	}
	return c.attach(ctx, session, turn.RoleJoiner)
}

func (c *Client) attach(ctx context.Context, session store.PairSession, role turn.Role) (View, error) {
	sc := &scope{
		sessionID: session.ID,
		role:      role,
		machine:   turn.NewMachine(c.sessions.TurnConfig(session.Feature)),
		rounds:    make(map[int]store.Round),
		messageID: make(map[string]struct{}),
	}
	sc.snapshot = session
	sc.state = c.decode(sc, session)

	c.swap(sc)
	c.notify()

	if err := c.resubscribe(ctx, sc); err != nil {
		return c.View(), err
	}
	return c.View(), nil
}

// Discard drops the current scope and cancels every subscription it owns.
func (c *Client) Discard() {
	if c.swap(nil) {
		c.notify()
	}
}

// swap installs next as the current scope and cancels the subscriptions of
// the scope it replaces. It reports whether there was one.
func (c *Client) swap(next *scope) bool {
	c.mu.Lock()
	old := c.scope
	c.scope = next
	var unsubs []feed.Unsubscribe
	if old != nil {
		unsubs, old.unsubs = old.unsubs, nil
	}
	c.mu.Unlock()
	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	return old != nil
}

// Close releases the client's subscriptions.
func (c *Client) Close() {
	c.Discard()
}

// End ends the current session on this participant's behalf and discards it.
func (c *Client) End(ctx context.Context) (View, error) {
	c.mu.Lock()
	sc := c.scope
	c.mu.Unlock()
	if sc == nil {
		return View{}, ErrNoSession
	}

	ended, err := c.sessions.EndSession(ctx, sc.sessionID, sc.role)
	if err != nil {
		return c.View(), err
	}
	_ = c.ApplyRemote(ended)
	view := c.View()
	c.Discard()
	return view, nil
}

// Reconnect throws away the current subscriptions, subscribes afresh and
// re-reads the session and its rounds. Drops trigger the same steps
// automatically; Reconnect is for callers that want to force it.
func (c *Client) Reconnect(ctx context.Context) (View, error) {
	c.mu.Lock()
	sc := c.scope
	c.mu.Unlock()
	if sc == nil {
		return View{}, ErrNoSession
	}
	if err := c.resubscribe(ctx, sc); err != nil {
		return c.View(), err
	}
	return c.View(), nil
}

func (c *Client) resubscribe(ctx context.Context, sc *scope) error {
	c.mu.Lock()
	old := sc.unsubs
	sc.unsubs = nil
	c.mu.Unlock()
	for _, unsubscribe := range old {
		unsubscribe()
	}

	id := sc.sessionID
	onDrop := func(err error) { c.dropped(sc, err) }
	unsubSession, err := c.feed.Subscribe(ctx, id, func(session store.PairSession) {
		_ = c.ApplyRemote(session)
	}, onDrop)
	if err != nil {
		c.dropped(sc, err)
		return fmt.Errorf("subscribe session: %w", err)
	}
	unsubChildren, err := c.feed.SubscribeToChildren(ctx, id, c.applyChild, c.applyChild, onDrop)
	if err != nil {
		unsubSession()
		c.dropped(sc, err)
		return fmt.Errorf("subscribe children: %w", err)
	}

	c.mu.Lock()
	if c.scope != sc {
		c.mu.Unlock()
		unsubSession()
		unsubChildren()
		return ErrStaleSessionEvent
	}
	sc.unsubs = []feed.Unsubscribe{unsubSession, unsubChildren}
	sc.disconnected = false
	c.mu.Unlock()

	// Anything committed between the last snapshot and the subscription
	// being live is picked up here.
	session, err := c.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}
	_ = c.ApplyRemote(session)
	rounds, err := c.sessions.ListRounds(ctx, id)
	if err != nil {
		return err
	}
	for _, round := range rounds {
		c.applyRound(id, round)
	}
	c.notify()
	return nil
}

// dropped marks sc disconnected and starts one background reconnect loop
// for it.
func (c *Client) dropped(sc *scope, err error) {
	c.mu.Lock()
	if c.scope != sc {
		c.mu.Unlock()
		return
	}
	sc.disconnected = true
	start := !sc.reconnecting && sc.snapshot.Open()
	if start {
		sc.reconnecting = true
	}
	c.mu.Unlock()
	log.Printf("reconcile: feed for %s lost: %v", sc.sessionID, err)
	c.notify()
	if start {
		go c.reconnectLoop(sc)
	}
}

// reconnectLoop re-subscribes and re-reads sc with capped exponential
// backoff until it succeeds, the attempts run out or sc stops being
// current. A manual Reconnect remains possible after it gives up.
func (c *Client) reconnectLoop(sc *scope) {
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		time.Sleep(delay)
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}

		c.mu.Lock()
		current := c.scope == sc
		c.mu.Unlock()
		if !current {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
		err := c.resubscribe(ctx, sc)
		cancel()
		if err != nil {
			log.Printf("reconcile: reconnect %s attempt %d: %v", sc.sessionID, attempt, err)
			continue
		}

		c.mu.Lock()
		if !sc.disconnected {
			sc.reconnecting = false
			c.mu.Unlock()
			log.Printf("reconcile: feed for %s restored", sc.sessionID)
			return
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	sc.reconnecting = false
	c.mu.Unlock()
	log.Printf("reconcile: giving up reconnecting %s after %d attempts", sc.sessionID, reconnectAttempts)
}

// ApplyRemote merges an authoritative snapshot. Snapshots for another
// session are dropped with ErrStaleSessionEvent. Older or already-seen
// versions leave the view unchanged, so replays are harmless.
func (c *Client) ApplyRemote(session store.PairSession) error {
	c.mu.Lock()
	sc := c.scope
	if sc == nil || session.ID != sc.sessionID {
		c.mu.Unlock()
		c.staleDrop("session", session.ID, sc)
		return ErrStaleSessionEvent
	}
	if session.Version <= sc.snapshot.Version && sc.snapshot.Version != 0 {
		c.mu.Unlock()
		return nil
	}
	sc.snapshot = session
	sc.state = c.decode(sc, session)
	sc.optimistic = nil

	var release []feed.Unsubscribe
	if !session.Open() {
		release = sc.unsubs
		sc.unsubs = nil
	}
	c.mu.Unlock()

	for _, unsubscribe := range release {
		unsubscribe()
	}
	c.notify()
	return nil
}

func (c *Client) applyChild(event feed.ChildEvent) {
	switch event.Table {
	case feed.TableRounds:
		var round store.Round
		if err := json.Unmarshal(event.Record, &round); err != nil {
			log.Printf("reconcile: decode round event for %s: %v", event.SessionID, err)
			return
		}
		if c.applyRound(event.SessionID, round) {
			c.notify()
		}
	case feed.TableMessages:
		var message store.Message
		if err := json.Unmarshal(event.Record, &message); err != nil {
			log.Printf("reconcile: decode message event for %s: %v", event.SessionID, err)
			return
		}
		if c.applyMessage(event.SessionID, message) {
			c.notify()
		}
	}
}

func (c *Client) applyRound(sessionID string, round store.Round) bool {
	c.mu.Lock()
	sc := c.scope
	if sc == nil || sessionID != sc.sessionID || round.SessionID != sc.sessionID {
		c.mu.Unlock()
		c.staleDrop("round", sessionID, sc)
		return false
	}
	defer c.mu.Unlock()
	if existing, ok := sc.rounds[round.Number]; ok && existing.UpdatedAt.After(round.UpdatedAt) {
		return false
	}
	sc.rounds[round.Number] = round
	return true
}

func (c *Client) applyMessage(sessionID string, message store.Message) bool {
	c.mu.Lock()
	sc := c.scope
	if sc == nil || sessionID != sc.sessionID || message.SessionID != sc.sessionID {
		c.mu.Unlock()
		c.staleDrop("message", sessionID, sc)
		return false
	}
	defer c.mu.Unlock()
	if _, seen := sc.messageID[message.ID]; seen {
		return false
	}
	sc.messageID[message.ID] = struct{}{}
	sc.messages = append(sc.messages, message)
	return true
}

func (c *Client) staleDrop(kind, sessionID string, current *scope) {
	c.staleDrops.Add(1)
	currentID := ""
	if current != nil {
		currentID = current.sessionID
	}
	log.Printf("reconcile: drop stale %s event for %s (current %q)", kind, sessionID, currentID)
}

// Act applies action locally at once, then commits it. The local state is
// replaced by the next snapshot at or above the committed version; on
// failure it is rolled back.
func (c *Client) Act(ctx context.Context, action turn.Action) (View, error) {
	c.mu.Lock()
	sc := c.scope
	if sc == nil {
		c.mu.Unlock()
		return View{}, ErrNoSession
	}
	current := sc.state
	if sc.optimistic != nil {
		current = *sc.optimistic
	}
	result, err := sc.machine.Apply(current, sc.role, action)
	if err != nil {
		c.mu.Unlock()
		return c.View(), err
	}
	sc.optimistic = &result.State
	c.mu.Unlock()
	c.notify()

	committed, err := c.sessions.Act(ctx, sc.sessionID, sc.role, action)
	if err != nil {
		c.mu.Lock()
		if c.scope == sc {
			sc.optimistic = nil
		}
		c.mu.Unlock()
		c.notify()
		return c.View(), err
	}
	c.mu.Lock()
	stillCurrent := c.scope == sc
	c.mu.Unlock()
	if !stillCurrent {
		return c.View(), nil
	}
	_ = c.ApplyRemote(committed.Session)
	if committed.Round != nil {
		if c.applyRound(sc.sessionID, *committed.Round) {
			c.notify()
		}
	}
	return c.View(), nil
}

// View returns the current derived view. The zero View means no session.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// WaitFor blocks until cond holds for the current view or ctx is done.
func (c *Client) WaitFor(ctx context.Context, cond func(View) bool) (View, error) {
	for {
		c.mu.Lock()
		view := c.viewLocked()
		changed := c.changed
		c.mu.Unlock()
		if cond(view) {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-changed:
		}
	}
}

func (c *Client) viewLocked() View {
	sc := c.scope
	if sc == nil {
		return View{}
	}
	s := sc.snapshot
	view := View{
		SessionID:    sc.sessionID,
		Role:         sc.role,
		JoinCode:     s.JoinCode,
		Feature:      s.Feature,
		Status:       s.Status,
		CreatorName:  s.CreatorName,
		Version:      s.Version,
		State:        sc.state,
		Disconnected: sc.disconnected,
		Rounds:       make([]store.Round, 0, len(sc.rounds)),
		Messages:     append([]store.Message(nil), sc.messages...),
	}
	if s.JoinerName != nil {
		view.JoinerName = *s.JoinerName
	}
	if s.EndReason != nil {
		view.EndReason = *s.EndReason
	}
	if sc.optimistic != nil {
		view.State = *sc.optimistic
		view.Pending = true
	}
	if s.Status == store.StatusActive && view.State.Step != nil {
		view.Allowed = sc.machine.Allowed(view.State, sc.role)
	}
	for _, round := range sc.rounds {
		view.Rounds = append(view.Rounds, round)
	}
	sort.Slice(view.Rounds, func(i, j int) bool { return view.Rounds[i].Number < view.Rounds[j].Number })
	return view
}

func (c *Client) decode(sc *scope, session store.PairSession) turn.State {
	state, err := turn.Decode(session.State, sc.machine.Config())
	if err != nil {
		log.Printf("reconcile: session %s v%d has invalid state: %v", session.ID, session.Version, err)
		return sc.state
	}
	return state
}

func (c *Client) notify() {
	c.mu.Lock()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}
