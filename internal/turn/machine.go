package turn

import (
	"fmt"
	"strings"
)

type ActionKind string

const (
	ActionSubmitIdea       ActionKind = "submit_idea"
	ActionSubmitParaphrase ActionKind = "submit_paraphrase"
	ActionRate             ActionKind = "rate"
	ActionAccept           ActionKind = "accept"
	ActionRetry            ActionKind = "retry"
	ActionChoosePosition   ActionKind = "choose_position"
	ActionAdvance          ActionKind = "advance"
)

// Action is a participant's move. Text carries the idea, paraphrase or
// retry correction; Score carries the speaker's rating or, with a
// paraphrase, the listener's own confidence.
type Action struct {
	Kind     ActionKind `json:"kind"`
	Text     string     `json:"text,omitempty"`
	Score    int        `json:"score,omitempty"`
	Position Position   `json:"position,omitempty"`
}

type RoundStatus string

const (
	RoundPending  RoundStatus = "pending"
	RoundAccepted RoundStatus = "accepted"
	RoundRetry    RoundStatus = "retry"
)

// Terminal reports whether the round can no longer change status.
func (s RoundStatus) Terminal() bool {
	return s == RoundAccepted || s == RoundRetry
}

// Round is one paraphrase-and-rate attempt as it should be persisted after
// an action.
type Round struct {
	Number         int         `json:"round"`
	Level          int         `json:"level"`
	Idea           string      `json:"idea"`
	Paraphrase     string      `json:"paraphrase"`
	SpeakerRating  int         `json:"speakerRating,omitempty"`
	ListenerRating int         `json:"listenerRating,omitempty"`
	Correction     string      `json:"correction,omitempty"`
	Status         RoundStatus `json:"status"`
	Position       Position    `json:"position,omitempty"`
}

// Result is the outcome of applying an action.
type Result struct {
	State State
	// Round is the round record touched by the action, nil when none was.
	Round *Round
	// Inserted is true when Round is a new record rather than an update.
	Inserted bool
	// Completed is true when the action finished the last level.
	Completed bool
}

type Machine struct {
	cfg Config
}

func NewMachine(cfg Config) *Machine {
	if cfg.RatingMax <= 0 {
		cfg.RatingMax = DefaultRatingMax
	}
	return &Machine{cfg: cfg}
}

func (m *Machine) Config() Config {
	return m.cfg
}

// Apply validates that role may perform action in state s and returns the
// next state. s is not modified.
func (m *Machine) Apply(s State, role Role, action Action) (Result, error) {
	if !role.Valid() {
		return Result{}, fmt.Errorf("%w: unknown role %q", ErrNotAuthorized, role)
	}
	allowed, err := m.authorized(s, role, action.Kind)
	if err != nil {
		return Result{}, err
	}
	if !allowed {
		return Result{}, fmt.Errorf("%w: %s cannot %s during %s", ErrNotAuthorized, role, action.Kind, s.Phase())
	}

	switch action.Kind {
	case ActionSubmitIdea:
		return m.submitIdea(s, action)
	case ActionSubmitParaphrase:
		return m.submitParaphrase(s, action)
	case ActionRate:
		return m.rate(s, action)
	case ActionAccept:
		return m.accept(s)
	case ActionRetry:
		return m.retry(s, action)
	case ActionChoosePosition:
		return m.choosePosition(s, action)
	case ActionAdvance:
		return m.advance(s)
	}
	return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, action.Kind)
}

// Allowed lists the actions role may take in s.
func (m *Machine) Allowed(s State, role Role) []ActionKind {
	var out []ActionKind
	for _, kind := range []ActionKind{
		ActionSubmitIdea,
		ActionSubmitParaphrase,
		ActionRate,
		ActionAccept,
		ActionRetry,
		ActionChoosePosition,
		ActionAdvance,
	} {
		ok, err := m.authorized(s, role, kind)
		if err != nil || !ok {
			continue
		}
		if kind == ActionAccept || kind == ActionRetry {
			if rating, _ := s.Step.(RatingStep); rating.Score == 0 {
				continue
			}
		}
		out = append(out, kind)
	}
	return out
}

// authorized returns ErrWrongPhase when kind does not belong to the current
// phase, and false when it does but another role owns it.
func (m *Machine) authorized(s State, role Role, kind ActionKind) (bool, error) {
	var phase Phase
	var owner Role
	switch kind {
	case ActionSubmitIdea:
		phase, owner = PhaseIdea, s.Speaker
	case ActionSubmitParaphrase:
		phase, owner = PhaseParaphrase, s.Listener()
	case ActionRate, ActionAccept, ActionRetry:
		phase, owner = PhaseRating, s.Speaker
	case ActionChoosePosition:
		phase, owner = PhasePosition, s.Listener()
	case ActionAdvance:
		phase = PhaseTransition
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}
	if s.Phase() != phase {
		return false, fmt.Errorf("%w: %s during %s", ErrWrongPhase, kind, s.Phase())
	}
	return owner == "" || owner == role, nil
}

func (m *Machine) submitIdea(s State, action Action) (Result, error) {
	idea := strings.TrimSpace(action.Text)
	if idea == "" {
		return Result{}, ErrEmptyText
	}
	s.Step = ParaphraseStep{Idea: idea}
	return Result{State: s}, nil
}

func (m *Machine) submitParaphrase(s State, action Action) (Result, error) {
	step := s.Step.(ParaphraseStep)
	paraphrase := strings.TrimSpace(action.Text)
	if paraphrase == "" {
		return Result{}, ErrEmptyText
	}
	if action.Score < 0 || action.Score > m.cfg.RatingMax {
		return Result{}, ErrScoreRange
	}
	s.Step = RatingStep{
		Idea:       step.Idea,
		Paraphrase: paraphrase,
		Confidence: action.Score,
		Correction: step.Correction,
	}
	round := &Round{
		Number:         s.Round,
		Level:          s.Level,
		Idea:           step.Idea,
		Paraphrase:     paraphrase,
		ListenerRating: action.Score,
		Status:         RoundPending,
	}
	return Result{State: s, Round: round, Inserted: true}, nil
}

func (m *Machine) rate(s State, action Action) (Result, error) {
	step := s.Step.(RatingStep)
	if action.Score < 1 || action.Score > m.cfg.RatingMax {
		return Result{}, ErrScoreRange
	}
	step.Score = action.Score
	if step.Score == m.cfg.RatingMax {
		return m.accepted(s, step), nil
	}
	s.Step = step
	return Result{State: s, Round: roundFromRating(s, step, RoundPending)}, nil
}

func (m *Machine) accept(s State) (Result, error) {
	step := s.Step.(RatingStep)
	if step.Score == 0 {
		return Result{}, ErrNotRated
	}
	return m.accepted(s, step), nil
}

func (m *Machine) accepted(s State, step RatingStep) Result {
	round := roundFromRating(s, step, RoundAccepted)
	if m.cfg.CollectPosition {
		s.Step = PositionStep{Idea: step.Idea, Paraphrase: step.Paraphrase, Score: step.Score}
	} else {
		s.Step = TransitionStep{Idea: step.Idea, Paraphrase: step.Paraphrase, Score: step.Score}
	}
	return Result{State: s, Round: round}
}

func (m *Machine) retry(s State, action Action) (Result, error) {
	step := s.Step.(RatingStep)
	if step.Score == 0 {
		return Result{}, ErrNotRated
	}
	round := roundFromRating(s, step, RoundRetry)
	round.Correction = strings.TrimSpace(action.Text)
	s.Round++
	s.Step = ParaphraseStep{Idea: step.Idea, Correction: round.Correction}
	return Result{State: s, Round: round}, nil
}

func (m *Machine) choosePosition(s State, action Action) (Result, error) {
	step := s.Step.(PositionStep)
	if !action.Position.Valid() {
		return Result{}, ErrInvalidPosition
	}
	s.Step = TransitionStep{
		Idea:       step.Idea,
		Paraphrase: step.Paraphrase,
		Score:      step.Score,
		Position:   action.Position,
	}
	round := &Round{
		Number:        s.Round,
		Level:         s.Level,
		Idea:          step.Idea,
		Paraphrase:    step.Paraphrase,
		SpeakerRating: step.Score,
		Status:        RoundAccepted,
		Position:      action.Position,
	}
	return Result{State: s, Round: round}, nil
}

func (m *Machine) advance(s State) (Result, error) {
	if m.cfg.Levels > 0 && s.Level >= m.cfg.Levels {
		s.Step = CompleteStep{}
		return Result{State: s, Completed: true}, nil
	}
	s.Level++
	s.Round++
	s.Speaker = s.Speaker.Other()
	s.Step = IdeaStep{}
	return Result{State: s}, nil
}

func roundFromRating(s State, step RatingStep, status RoundStatus) *Round {
	return &Round{
		Number:         s.Round,
		Level:          s.Level,
		Idea:           step.Idea,
		Paraphrase:     step.Paraphrase,
		SpeakerRating:  step.Score,
		ListenerRating: step.Confidence,
		Correction:     step.Correction,
		Status:         status,
	}
}

// CurrentRound picks the round with the highest number that has not reached
// a terminal status.
func CurrentRound(rounds []Round) (Round, bool) {
	var current Round
	found := false
	for _, r := range rounds {
		if r.Status.Terminal() {
			continue
		}
		if !found || r.Number > current.Number {
			current = r
			found = true
		}
	}
	return current, found
}
