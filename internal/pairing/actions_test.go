package pairing

import (
	"context"
	"errors"
	"testing"
	"time"

	"oathboard/api/internal/store"
	"oathboard/api/internal/turn"
)

func startActive(t *testing.T, svc *Service, feature string) store.PairSession {
	t.Helper()
	ctx := context.Background()
	created, err := svc.CreateSession(ctx, CreateInput{CreatorName: "Alice", Feature: feature})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	joined, err := svc.JoinSession(ctx, created.JoinCode, "Bob")
	if err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}
	return joined
}

func mustAct(t *testing.T, svc *Service, id string, role turn.Role, action turn.Action) ActResult {
	t.Helper()
	result, err := svc.Act(context.Background(), id, role, action)
	if err != nil {
		t.Fatalf("%s %s failed: %v", role, action.Kind, err)
	}
	return result
}

func decodeState(t *testing.T, svc *Service, session store.PairSession) turn.State {
	t.Helper()
	state, err := turn.Decode(session.State, svc.TurnConfig(session.Feature))
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return state
}

func TestActRequiresActiveSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, CreateInput{CreatorName: "Alice"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	_, err = svc.Act(ctx, created.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionSubmitIdea, Text: "x"})
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if _, err := svc.Act(ctx, "missing", turn.RoleCreator, turn.Action{Kind: turn.ActionSubmitIdea}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActRetryKeepsIdeaAndAdvancesRound(t *testing.T) {
	svc, st, pub := newTestService(t)
	ctx := context.Background()
	session := startActive(t, svc, "guided")

	mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionSubmitIdea, Text: "keep promises"})
	if _, err := svc.Act(ctx, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionSubmitParaphrase, Text: "x"}); !errors.Is(err, turn.ErrNotAuthorized) {
		t.Fatalf("speaker must not paraphrase, got %v", err)
	}
	first := mustAct(t, svc, session.ID, turn.RoleJoiner, turn.Action{Kind: turn.ActionSubmitParaphrase, Text: "promises matter", Score: 3})
	if first.Round == nil || first.Round.Number != 1 || first.Round.Status != string(turn.RoundPending) {
		t.Fatalf("unexpected first round %+v", first.Round)
	}

	mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionRate, Score: 2})
	retried := mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionRetry, Text: "it's about keeping them"})
	state := decodeState(t, svc, retried.Session)
	if state.Round != 2 || state.Phase() != turn.PhaseParaphrase {
		t.Fatalf("unexpected state after retry %+v", state)
	}
	if step := state.Step.(turn.ParaphraseStep); step.Idea != "keep promises" {
		t.Fatalf("idea changed across retry: %q", step.Idea)
	}

	mustAct(t, svc, session.ID, turn.RoleJoiner, turn.Action{Kind: turn.ActionSubmitParaphrase, Text: "keeping promises matters"})
	rounds, err := svc.ListRounds(ctx, session.ID)
	if err != nil {
		t.Fatalf("ListRounds failed: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("expected 2 rounds, got %+v", rounds)
	}
	if rounds[0].Status != string(turn.RoundRetry) || rounds[0].Correction != "it's about keeping them" || rounds[0].ListenerRating != 3 {
		t.Fatalf("unexpected retried round %+v", rounds[0])
	}
	if rounds[1].Number <= rounds[0].Number || rounds[1].Idea != rounds[0].Idea {
		t.Fatalf("rounds not monotonic or idea changed: %+v", rounds)
	}

	stored, err := st.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.Version != retried.Session.Version+1 {
		t.Fatalf("expected one write after retry, version %d -> %d", retried.Session.Version, stored.Version)
	}
	if len(pub.children) != 4 {
		t.Fatalf("expected insert, update, update, insert round events, got %+v", pub.children)
	}
}

func TestActCompletesDemoSession(t *testing.T) {
	st := store.NewMemoryStore()
	archived := make(chan []store.Round, 1)
	svc := NewService(st, nil, Options{Archiver: &fakeArchiver{
		archiveFn: func(_ context.Context, _ store.PairSession, rounds []store.Round, _ []store.Message) error {
			archived <- rounds
			return nil
		},
	}})
	ctx := context.Background()
	session := startActive(t, svc, "demo")

	mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionSubmitIdea, Text: "be on time"})
	mustAct(t, svc, session.ID, turn.RoleJoiner, turn.Action{Kind: turn.ActionSubmitParaphrase, Text: "punctuality"})
	rated := mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionRate, Score: 4})
	if decodeState(t, svc, rated.Session).Phase() != turn.PhaseRating {
		t.Fatal("a sub-maximum rating must wait for an explicit accept")
	}
	accepted := mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionAccept})
	if decodeState(t, svc, accepted.Session).Phase() != turn.PhasePosition {
		t.Fatal("expected position phase after accept")
	}
	if len(accepted.Allowed) != 0 {
		t.Fatalf("speaker has no moves during position, got %v", accepted.Allowed)
	}
	mustAct(t, svc, session.ID, turn.RoleJoiner, turn.Action{Kind: turn.ActionChoosePosition, Position: turn.PositionAgree})
	done := mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionAdvance})

	if done.Session.Status != store.StatusCompleted || DemoStatus(done.Session.Status) != "completed" {
		t.Fatalf("expected completed session, got %q", done.Session.Status)
	}
	if decodeState(t, svc, done.Session).Phase() != turn.PhaseComplete {
		t.Fatal("expected complete phase")
	}
	if _, err := svc.Act(ctx, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionAdvance}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after completion, got %v", err)
	}
	if _, err := st.FindOpenSessionByCode(ctx, session.JoinCode); err == nil {
		t.Fatal("completed session must release its join code")
	}

	select {
	case rounds := <-archived:
		if len(rounds) != 1 || rounds[0].Position != "agree" || rounds[0].SpeakerRating != 4 || rounds[0].Status != "accepted" {
			t.Fatalf("unexpected archived rounds %+v", rounds)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completed session was not archived")
	}
}

// racingStore lets the other participant commit an action right before the
// first conditional write it sees.
type racingStore struct {
	*store.MemoryStore
	race func()
	done bool
}

func (s *racingStore) UpdateSession(ctx context.Context, id string, update store.StateUpdate) (store.PairSession, error) {
	if update.ExpectVersion != 0 && !s.done && s.race != nil {
		s.done = true
		s.race()
	}
	return s.MemoryStore.UpdateSession(ctx, id, update)
}

func TestSimultaneousAdvanceFirstCommitWins(t *testing.T) {
	st := &racingStore{MemoryStore: store.NewMemoryStore()}
	svc := NewService(st, nil, Options{})
	ctx := context.Background()
	session := startActive(t, svc, "chat")

	mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionSubmitIdea, Text: "listen first"})
	mustAct(t, svc, session.ID, turn.RoleJoiner, turn.Action{Kind: turn.ActionSubmitParaphrase, Text: "hear them out"})
	mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionRate, Score: 5})

	st.race = func() {
		mustAct(t, svc, session.ID, turn.RoleJoiner, turn.Action{Kind: turn.ActionAdvance})
	}
	_, err := svc.Act(ctx, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionAdvance})
	if !errors.Is(err, turn.ErrWrongPhase) {
		t.Fatalf("losing advance should be re-checked and rejected, got %v", err)
	}

	current, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	state := decodeState(t, svc, current)
	if state.Level != 2 || state.Round != 2 || state.Speaker != turn.RoleJoiner || state.Phase() != turn.PhaseIdea {
		t.Fatalf("expected exactly one advance, got %+v", state)
	}
}

func TestSimultaneousRatingLoserIsReapplied(t *testing.T) {
	st := &racingStore{MemoryStore: store.NewMemoryStore()}
	svc := NewService(st, nil, Options{})
	ctx := context.Background()
	session := startActive(t, svc, "chat")

	mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionSubmitIdea, Text: "listen first"})
	mustAct(t, svc, session.ID, turn.RoleJoiner, turn.Action{Kind: turn.ActionSubmitParaphrase, Text: "hear them out"})

	// A second rating from another tab of the speaker lands first; the later
	// one is still valid in the rating phase and overwrites the score.
	st.race = func() {
		mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionRate, Score: 2})
	}
	result, err := svc.Act(ctx, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionRate, Score: 3})
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	step := decodeState(t, svc, result.Session).Step.(turn.RatingStep)
	if step.Score != 3 {
		t.Fatalf("expected the re-evaluated rating to win, got %d", step.Score)
	}
}

// failingRoundStore commits session writes but cannot write rounds.
type failingRoundStore struct {
	*store.MemoryStore
}

func (s *failingRoundStore) InsertRound(context.Context, store.Round) (store.Round, error) {
	return store.Round{}, errors.New("connection reset")
}

func TestActAnnouncesCommittedStateWhenRoundWriteFails(t *testing.T) {
	st := &failingRoundStore{MemoryStore: store.NewMemoryStore()}
	pub := &recordingPublisher{}
	svc := NewService(st, pub, Options{})
	ctx := context.Background()
	session := startActive(t, svc, "chat")

	mustAct(t, svc, session.ID, turn.RoleCreator, turn.Action{Kind: turn.ActionSubmitIdea, Text: "walk the dog"})
	_, err := svc.Act(ctx, session.ID, turn.RoleJoiner, turn.Action{Kind: turn.ActionSubmitParaphrase, Text: "dog walks"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	stored, err := st.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if decodeState(t, svc, stored).Phase() != turn.PhaseRating {
		t.Fatal("expected the committed state to be in the rating phase")
	}
	pub.mu.Lock()
	last := pub.sessions[len(pub.sessions)-1]
	pub.mu.Unlock()
	if last.Version != stored.Version {
		t.Fatalf("committed version %d was not published, last published %d", stored.Version, last.Version)
	}
}
