package pairing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"oathboard/api/internal/feed"
	"oathboard/api/internal/store"
	"oathboard/api/internal/turn"
)

// actAttempts bounds how often an action is re-evaluated after losing a
// version race. The second evaluation runs against the winner's state.
const actAttempts = 2

type ActResult struct {
	Session store.PairSession `json:"session"`
	Round   *store.Round      `json:"round,omitempty"`
	Allowed []turn.ActionKind `json:"allowed"`
}

// Act applies a turn action for role. The state write is conditional on the
// version that was read; when both participants act at once the first
// commit wins and the other action is checked again against the new state.
func (s *Service) Act(ctx context.Context, id string, role turn.Role, action turn.Action) (ActResult, error) {
	if !role.Valid() {
		return ActResult{}, invalid("role", "must be creator or joiner")
	}

	for attempt := 0; attempt < actAttempts; attempt++ {
		session, err := s.GetSession(ctx, id)
		if err != nil {
			return ActResult{}, err
		}
		switch session.Status {
		case store.StatusActive:
		case store.StatusWaiting:
			return ActResult{}, ErrNotActive
		default:
			return ActResult{}, ErrSessionClosed
		}

		machine := turn.NewMachine(s.TurnConfig(session.Feature))
		state, err := turn.Decode(session.State, machine.Config())
		if err != nil {
			return ActResult{}, err
		}
		result, err := machine.Apply(state, role, action)
		if err != nil {
			return ActResult{}, err
		}
		raw, err := json.Marshal(result.State)
		if err != nil {
			return ActResult{}, fmt.Errorf("marshal state: %w", err)
		}

		update := store.StateUpdate{State: raw, ExpectVersion: session.Version}
		if result.Completed {
			update.Status = store.StatusCompleted
		}
		updated, err := s.store.UpdateSession(ctx, id, update)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, sql.ErrNoRows) {
			return ActResult{}, ErrNotFound
		}
		if errors.Is(err, store.ErrSessionClosed) {
			return ActResult{}, ErrSessionClosed
		}
		if err != nil {
			return ActResult{}, unavailable("update state", err)
		}

		// The state write is committed, so it is announced even if the round
		// write below fails. A missing round row is inserted by the next
		// action that touches it.
		s.publishSession(ctx, updated)

		var round *store.Round
		if result.Round != nil {
			saved, err := s.saveRound(ctx, id, *result.Round, result.Inserted)
			if err != nil {
				if result.Completed {
					s.archive(updated)
				}
				return ActResult{}, err
			}
			round = &saved
		}

		if result.Completed {
			s.archive(updated)
		}
		return ActResult{
			Session: updated,
			Round:   round,
			Allowed: machine.Allowed(result.State, role),
		}, nil
	}
	return ActResult{}, ErrConflict
}

// saveRound persists the round touched by an action. A missing row on update
// is inserted, which covers state documents written through UpdateState.
func (s *Service) saveRound(ctx context.Context, sessionID string, r turn.Round, insert bool) (store.Round, error) {
	row := store.Round{
		SessionID:      sessionID,
		Number:         r.Number,
		Level:          r.Level,
		Idea:           r.Idea,
		Paraphrase:     r.Paraphrase,
		SpeakerRating:  r.SpeakerRating,
		ListenerRating: r.ListenerRating,
		Correction:     r.Correction,
		Status:         string(r.Status),
		Position:       string(r.Position),
	}

	eventType := feed.EventUpdate
	var (
		saved store.Round
		err   error
	)
	if insert {
		eventType = feed.EventInsert
		saved, err = s.store.InsertRound(ctx, row)
		if errors.Is(err, store.ErrRoundExists) {
			eventType = feed.EventUpdate
			saved, err = s.store.UpdateRound(ctx, row)
		}
	} else {
		saved, err = s.store.UpdateRound(ctx, row)
		if errors.Is(err, sql.ErrNoRows) {
			eventType = feed.EventInsert
			saved, err = s.store.InsertRound(ctx, row)
		}
	}
	if err != nil {
		return store.Round{}, unavailable("save round", err)
	}
	s.publishChild(ctx, sessionID, eventType, feed.TableRounds, saved)
	return saved, nil
}
