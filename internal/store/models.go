package store

import (
	"encoding/json"
	"time"
)

const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusEnded     = "ended"
)

const (
	EndReasonCreatorEnded = "creator-ended"
	EndReasonPartnerLeft  = "partner-left"
)

// PairSession is the shared record two participants synchronize on.
type PairSession struct {
	ID          string          `json:"id"`
	JoinCode    string          `json:"joinCode"`
	Feature     string          `json:"feature"`
	CreatorName string          `json:"creatorName"`
	JoinerName  *string         `json:"joinerName"`
	Note        string          `json:"note,omitempty"`
	Status      string          `json:"status"`
	EndReason   *string         `json:"endReason"`
	State       json.RawMessage `json:"state"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
}

// Open reports whether the session still holds its join code.
func (s PairSession) Open() bool {
	return s.Status == StatusWaiting || s.Status == StatusActive
}

// Clone returns a copy that shares no mutable memory with s.
func (s PairSession) Clone() PairSession {
	out := s
	if s.JoinerName != nil {
		name := *s.JoinerName
		out.JoinerName = &name
	}
	if s.EndReason != nil {
		reason := *s.EndReason
		out.EndReason = &reason
	}
	if s.EndedAt != nil {
		at := *s.EndedAt
		out.EndedAt = &at
	}
	if s.State != nil {
		out.State = append(json.RawMessage(nil), s.State...)
	}
	return out
}

// Round is the verification record of one paraphrase attempt.
type Round struct {
	SessionID      string    `json:"sessionId"`
	Number         int       `json:"round"`
	Level          int       `json:"level"`
	Idea           string    `json:"idea"`
	Paraphrase     string    `json:"paraphrase"`
	SpeakerRating  int       `json:"speakerRating"`
	ListenerRating int       `json:"listenerRating"`
	Correction     string    `json:"correction,omitempty"`
	Status         string    `json:"status"`
	Position       string    `json:"position,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	AuthorRole string    `json:"authorRole"`
	AuthorName string    `json:"authorName"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

type User struct {
	ID           string
	Email        string
	CreatedAt    time.Time
	LastSignInAt *time.Time
}

// MagicLink is a pending passwordless sign-in. Only the bcrypt hash of the
// secret half of the link is stored.
type MagicLink struct {
	ID         string
	Email      string
	SecretHash string
	ExpiresAt  time.Time
	UsedAt     *time.Time
	CreatedAt  time.Time
}

type Profile struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Slug        string    `json:"slug"`
	DisplayName string    `json:"displayName"`
	Pledge      string    `json:"pledge"`
	Bio         string    `json:"bio"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Witness struct {
	ProfileID     string    `json:"profileId"`
	WitnessUserID string    `json:"witnessUserId"`
	WitnessName   string    `json:"witnessName"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// StateUpdate describes a write to a session's state document. A zero
// ExpectVersion skips the version check; an empty Status keeps the current one.
type StateUpdate struct {
	State         json.RawMessage
	Merge         bool
	ExpectVersion int64
	Status        string
}
