// Package turn is the turn-taking state machine for paired clarity sessions.
//
// A level walks through idea -> paraphrase -> rating -> position (optional)
// -> transition. The speaker submits an idea, the listener paraphrases it,
// the speaker rates the paraphrase and either accepts it (explicitly, or
// implicitly by giving the maximum score) or asks for another attempt.
// After acceptance the listener may state a position, then either side
// moves on to the next level or finishes the session.
//
// The machine only validates that a well-behaved client acts in turn. Roles
// are claimed by the caller; nothing here prevents a client from lying about
// which participant it is.
package turn

import "errors"

type Role string

const (
	RoleCreator Role = "creator"
	RoleJoiner  Role = "joiner"
)

func (r Role) Valid() bool {
	return r == RoleCreator || r == RoleJoiner
}

// Other returns the counterpart role.
func (r Role) Other() Role {
	if r == RoleCreator {
		return RoleJoiner
	}
	return RoleCreator
}

type Phase string

const (
	PhaseIdea       Phase = "idea"
	PhaseParaphrase Phase = "paraphrase"
	PhaseRating     Phase = "rating"
	PhasePosition   Phase = "position"
	PhaseTransition Phase = "transition"
	PhaseComplete   Phase = "complete"
)

type Position string

const (
	PositionAgree    Position = "agree"
	PositionDisagree Position = "disagree"
	PositionSkip     Position = "skip"
)

func (p Position) Valid() bool {
	return p == PositionAgree || p == PositionDisagree || p == PositionSkip
}

// Feature names a product surface that reuses the machine with its own shape.
type Feature string

const (
	FeatureGuided Feature = "guided"
	FeatureChat   Feature = "chat"
	FeatureDemo   Feature = "demo"
)

func (f Feature) Valid() bool {
	return f == FeatureGuided || f == FeatureChat || f == FeatureDemo
}

const (
	DefaultRatingMax    = 5
	DefaultGuidedLevels = 3
)

// Config shapes the machine for a feature.
type Config struct {
	// Levels is the number of levels before the session completes. Zero
	// means the session never completes on its own.
	Levels          int
	RatingMax       int
	CollectPosition bool
}

// ConfigFor returns the machine configuration of a feature. guidedLevels and
// ratingMax fall back to the defaults when not positive.
func ConfigFor(feature Feature, guidedLevels, ratingMax int) Config {
	if ratingMax <= 0 {
		ratingMax = DefaultRatingMax
	}
	if guidedLevels <= 0 {
		guidedLevels = DefaultGuidedLevels
	}
	switch feature {
	case FeatureChat:
		return Config{Levels: 0, RatingMax: ratingMax}
	case FeatureDemo:
		return Config{Levels: 1, RatingMax: ratingMax, CollectPosition: true}
	default:
		return Config{Levels: guidedLevels, RatingMax: ratingMax, CollectPosition: true}
	}
}

var (
	ErrWrongPhase      = errors.New("action not valid in current phase")
	ErrNotAuthorized   = errors.New("role may not act in current phase")
	ErrEmptyText       = errors.New("text is required")
	ErrScoreRange      = errors.New("score out of range")
	ErrNotRated        = errors.New("paraphrase has not been rated")
	ErrInvalidPosition = errors.New("position must be agree, disagree or skip")
	ErrUnknownAction   = errors.New("unknown action")
	ErrInvalidState    = errors.New("invalid session state")
)
