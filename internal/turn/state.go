package turn

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Step is the phase-specific part of a State. Each phase has exactly one
// concrete Step type.
type Step interface {
	Phase() Phase
	validate(cfg Config) error
}

// IdeaStep waits for the speaker's idea.
type IdeaStep struct{}

// ParaphraseStep waits for the listener to restate Idea. Correction carries
// the speaker's note from a declined attempt.
type ParaphraseStep struct {
	Idea       string `json:"idea"`
	Correction string `json:"correction,omitempty"`
}

// RatingStep waits for the speaker to rate Paraphrase. Score is zero until
// a rating has been given; a sub-maximum score then needs accept or retry.
type RatingStep struct {
	Idea       string `json:"idea"`
	Paraphrase string `json:"paraphrase"`
	Confidence int    `json:"confidence,omitempty"`
	Score      int    `json:"score,omitempty"`
	Correction string `json:"correction,omitempty"`
}

// PositionStep waits for the listener to agree, disagree or skip.
type PositionStep struct {
	Idea       string `json:"idea"`
	Paraphrase string `json:"paraphrase"`
	Score      int    `json:"score"`
}

// TransitionStep is an accepted level waiting for either side to move on.
type TransitionStep struct {
	Idea       string   `json:"idea"`
	Paraphrase string   `json:"paraphrase"`
	Score      int      `json:"score"`
	Position   Position `json:"position,omitempty"`
}

// CompleteStep is terminal: every configured level was accepted.
type CompleteStep struct{}

func (IdeaStep) Phase() Phase       { return PhaseIdea }
func (ParaphraseStep) Phase() Phase { return PhaseParaphrase }
func (RatingStep) Phase() Phase     { return PhaseRating }
func (PositionStep) Phase() Phase   { return PhasePosition }
func (TransitionStep) Phase() Phase { return PhaseTransition }
func (CompleteStep) Phase() Phase   { return PhaseComplete }

func (IdeaStep) validate(Config) error { return nil }

func (s ParaphraseStep) validate(Config) error {
	if strings.TrimSpace(s.Idea) == "" {
		return fmt.Errorf("%w: paraphrase phase without idea", ErrInvalidState)
	}
	return nil
}

func (s RatingStep) validate(cfg Config) error {
	if strings.TrimSpace(s.Idea) == "" || strings.TrimSpace(s.Paraphrase) == "" {
		return fmt.Errorf("%w: rating phase without idea or paraphrase", ErrInvalidState)
	}
	if s.Score < 0 || s.Score > cfg.RatingMax || s.Confidence < 0 || s.Confidence > cfg.RatingMax {
		return fmt.Errorf("%w: rating outside 0..%d", ErrInvalidState, cfg.RatingMax)
	}
	return nil
}

func (s PositionStep) validate(cfg Config) error {
	if !cfg.CollectPosition {
		return fmt.Errorf("%w: feature does not collect positions", ErrInvalidState)
	}
	return validateAccepted(s.Idea, s.Paraphrase, s.Score, cfg)
}

func (s TransitionStep) validate(cfg Config) error {
	if s.Position != "" && !s.Position.Valid() {
		return fmt.Errorf("%w: unknown position %q", ErrInvalidState, s.Position)
	}
	return validateAccepted(s.Idea, s.Paraphrase, s.Score, cfg)
}

func (CompleteStep) validate(Config) error { return nil }

func validateAccepted(idea, paraphrase string, score int, cfg Config) error {
	if strings.TrimSpace(idea) == "" || strings.TrimSpace(paraphrase) == "" {
		return fmt.Errorf("%w: accepted level without idea or paraphrase", ErrInvalidState)
	}
	if score < 1 || score > cfg.RatingMax {
		return fmt.Errorf("%w: accepted level with score %d", ErrInvalidState, score)
	}
	return nil
}

// State is the whole turn document stored on a session. Level counts from 1;
// Round is the attempt number, strictly increasing over the session's life.
type State struct {
	Level   int
	Round   int
	Speaker Role
	Step    Step
}

// Initial is the state of a freshly created session.
func Initial() State {
	return State{Level: 1, Round: 1, Speaker: RoleCreator, Step: IdeaStep{}}
}

func (s State) Phase() Phase {
	if s.Step == nil {
		return ""
	}
	return s.Step.Phase()
}

func (s State) Listener() Role {
	return s.Speaker.Other()
}

// Validate checks the envelope and the phase payload against cfg.
func (s State) Validate(cfg Config) error {
	if s.Level < 1 || s.Round < 1 {
		return fmt.Errorf("%w: level and round start at 1", ErrInvalidState)
	}
	if cfg.Levels > 0 && s.Level > cfg.Levels {
		return fmt.Errorf("%w: level %d beyond %d", ErrInvalidState, s.Level, cfg.Levels)
	}
	if !s.Speaker.Valid() {
		return fmt.Errorf("%w: unknown speaker %q", ErrInvalidState, s.Speaker)
	}
	if s.Step == nil {
		return fmt.Errorf("%w: missing phase", ErrInvalidState)
	}
	return s.Step.validate(cfg)
}

type wireState struct {
	Level   int             `json:"level"`
	Round   int             `json:"round"`
	Speaker Role            `json:"speaker"`
	Phase   Phase           `json:"phase"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (s State) MarshalJSON() ([]byte, error) {
	if s.Step == nil {
		return nil, fmt.Errorf("%w: missing phase", ErrInvalidState)
	}
	data, err := json.Marshal(s.Step)
	if err != nil {
		return nil, fmt.Errorf("marshal %s step: %w", s.Step.Phase(), err)
	}
	return json.Marshal(wireState{
		Level:   s.Level,
		Round:   s.Round,
		Speaker: s.Speaker,
		Phase:   s.Step.Phase(),
		Data:    data,
	})
}

func (s *State) UnmarshalJSON(raw []byte) error {
	var wire wireState
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	step, err := decodeStep(wire.Phase, wire.Data)
	if err != nil {
		return err
	}
	*s = State{Level: wire.Level, Round: wire.Round, Speaker: wire.Speaker, Step: step}
	return nil
}

func decodeStep(phase Phase, data json.RawMessage) (Step, error) {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage(`{}`)
	}
	var (
		step Step
		err  error
	)
	switch phase {
	case PhaseIdea:
		var v IdeaStep
		err = json.Unmarshal(data, &v)
		step = v
	case PhaseParaphrase:
		var v ParaphraseStep
		err = json.Unmarshal(data, &v)
		step = v
	case PhaseRating:
		var v RatingStep
		err = json.Unmarshal(data, &v)
		step = v
	case PhasePosition:
		var v PositionStep
		err = json.Unmarshal(data, &v)
		step = v
	case PhaseTransition:
		var v TransitionStep
		err = json.Unmarshal(data, &v)
		step = v
	case PhaseComplete:
		var v CompleteStep
		err = json.Unmarshal(data, &v)
		step = v
	default:
		return nil, fmt.Errorf("%w: unknown phase %q", ErrInvalidState, phase)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s data: %v", ErrInvalidState, phase, err)
	}
	return step, nil
}

// Decode parses and validates a stored state document. An empty document
// decodes to Initial.
func Decode(raw []byte, cfg Config) (State, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return Initial(), nil
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return State{}, err
		}
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := state.Validate(cfg); err != nil {
		return State{}, err
	}
	return state, nil
}
