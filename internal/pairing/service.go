// Package pairing owns the lifecycle of a paired session: creating it with a
// join code, attaching the second participant, writing state, applying turn
// actions and ending it. Every committed write is announced on the change
// feed.
package pairing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"oathboard/api/internal/feed"
	"oathboard/api/internal/joincode"
	"oathboard/api/internal/store"
	"oathboard/api/internal/turn"
	"oathboard/api/internal/uniq"
)

const (
	maxNameLength    = 80
	maxNoteLength    = 500
	maxMessageLength = 2000

	defaultCodeAttempts = 8
	archiveTimeout      = 30 * time.Second
)

// Store is the session persistence the controller needs. store.PostgresStore
// and store.MemoryStore implement it.
type Store interface {
	InsertSession(context.Context, store.PairSession) (store.PairSession, error)
	GetSession(context.Context, string) (store.PairSession, error)
	FindOpenSessionByCode(context.Context, string) (store.PairSession, error)
	AttachJoiner(context.Context, string, string) (store.PairSession, error)
	UpdateSession(context.Context, string, store.StateUpdate) (store.PairSession, error)
	EndSession(context.Context, string, string) (store.PairSession, bool, error)
	DeleteSession(context.Context, string) error
	InsertRound(context.Context, store.Round) (store.Round, error)
	UpdateRound(context.Context, store.Round) (store.Round, error)
	ListRounds(context.Context, string) ([]store.Round, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string, int) ([]store.Message, error)
}

// Publisher announces committed changes to subscribers.
type Publisher interface {
	PublishSession(ctx context.Context, session store.PairSession) error
	PublishChild(ctx context.Context, sessionID, eventType, table string, record any) error
}

// Archiver receives the transcript of a session once it is finished.
type Archiver interface {
	Archive(ctx context.Context, session store.PairSession, rounds []store.Round, messages []store.Message) error
}

type Options struct {
	GuidedLevels int
	RatingMax    int
	CodeAttempts int
	Archiver     Archiver
}

type Service struct {
	store     Store
	publisher Publisher
	archiver  Archiver
	opts      Options
}

// NewService wires the lifecycle controller. publisher may be nil when no
// change feed is configured.
func NewService(st Store, publisher Publisher, opts Options) *Service {
	if opts.CodeAttempts <= 0 {
		opts.CodeAttempts = defaultCodeAttempts
	}
	return &Service{store: st, publisher: publisher, archiver: opts.Archiver, opts: opts}
}

type CreateInput struct {
	CreatorName string `json:"creatorName"`
	Note        string `json:"note"`
	Feature     string `json:"feature"`
}

// TurnConfig returns the turn machine configuration for a feature.
func (s *Service) TurnConfig(feature string) turn.Config {
	return turn.ConfigFor(turn.Feature(feature), s.opts.GuidedLevels, s.opts.RatingMax)
}

func (s *Service) CreateSession(ctx context.Context, input CreateInput) (store.PairSession, error) {
	name, err := cleanName("creatorName", input.CreatorName)
	if err != nil {
		return store.PairSession{}, err
	}
	note := strings.TrimSpace(input.Note)
	if utf8.RuneCountInString(note) > maxNoteLength {
		return store.PairSession{}, invalid("note", fmt.Sprintf("must be at most %d characters", maxNoteLength))
	}
	feature := turn.Feature(strings.TrimSpace(input.Feature))
	if feature == "" {
		feature = turn.FeatureGuided
	}
	if !feature.Valid() {
		return store.PairSession{}, invalid("feature", "must be guided, chat or demo")
	}

	state, err := json.Marshal(turn.Initial())
	if err != nil {
		return store.PairSession{}, fmt.Errorf("marshal initial state: %w", err)
	}

	var created store.PairSession
	_, err = uniq.Claim(ctx, s.opts.CodeAttempts,
		func(int) (string, error) { return joincode.New() },
		func(ctx context.Context, code string) error {
			row, err := s.store.InsertSession(ctx, store.PairSession{
				ID:          uuid.NewString(),
				JoinCode:    code,
				Feature:     string(feature),
				CreatorName: name,
				Note:        note,
				Status:      store.StatusWaiting,
				State:       state,
			})
			if err != nil {
				return err
			}
			created = row
			return nil
		},
		func(err error) bool { return errors.Is(err, store.ErrCodeTaken) },
	)
	if errors.Is(err, uniq.ErrExhausted) {
		return store.PairSession{}, unavailable("allocate join code", err)
	}
	if err != nil {
		return store.PairSession{}, unavailable("create session", err)
	}

	s.publishSession(ctx, created)
	return created, nil
}

// JoinSession attaches joinerName to the open session holding code. An
// unknown code and a session that already has a joiner both yield
// ErrNotFound.
func (s *Service) JoinSession(ctx context.Context, code, joinerName string) (store.PairSession, error) {
	normalized, err := joincode.Parse(code)
	if err != nil {
		return store.PairSession{}, invalid("code", err.Error())
	}
	name, err := cleanName("joinerName", joinerName)
	if err != nil {
		return store.PairSession{}, err
	}

	session, err := s.store.FindOpenSessionByCode(ctx, normalized)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PairSession{}, ErrNotFound
	}
	if err != nil {
		return store.PairSession{}, unavailable("find session", err)
	}
	if session.JoinerName != nil {
		return store.PairSession{}, ErrNotFound
	}

	joined, err := s.store.AttachJoiner(ctx, session.ID, name)
	if errors.Is(err, store.ErrSessionFull) || errors.Is(err, sql.ErrNoRows) {
		return store.PairSession{}, ErrNotFound
	}
	if err != nil {
		return store.PairSession{}, unavailable("attach joiner", err)
	}

	s.publishSession(ctx, joined)
	return joined, nil
}

func (s *Service) GetSession(ctx context.Context, id string) (store.PairSession, error) {
	if strings.TrimSpace(id) == "" {
		return store.PairSession{}, invalid("id", "is required")
	}
	session, err := s.store.GetSession(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PairSession{}, ErrNotFound
	}
	if err != nil {
		return store.PairSession{}, unavailable("get session", err)
	}
	return session, nil
}

// UpdateState writes a state document without interpreting it. With merge
// the top-level keys of doc are patched into the stored document, otherwise
// doc replaces it. Concurrent writers resolve last-write-wins.
func (s *Service) UpdateState(ctx context.Context, id string, doc json.RawMessage, merge bool) (store.PairSession, error) {
	trimmed := strings.TrimSpace(string(doc))
	if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
		return store.PairSession{}, invalid("state", "must be a JSON object")
	}
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return store.PairSession{}, err
	}
	if !current.Open() {
		return store.PairSession{}, ErrSessionClosed
	}

	updated, err := s.store.UpdateSession(ctx, id, store.StateUpdate{State: json.RawMessage(trimmed), Merge: merge})
	if errors.Is(err, sql.ErrNoRows) {
		return store.PairSession{}, ErrNotFound
	}
	if errors.Is(err, store.ErrSessionClosed) {
		return store.PairSession{}, ErrSessionClosed
	}
	if err != nil {
		return store.PairSession{}, unavailable("update state", err)
	}
	s.publishSession(ctx, updated)
	return updated, nil
}

// EndSession ends the session on behalf of role. The end reason records
// which side left. Ending an already finished session returns it unchanged.
func (s *Service) EndSession(ctx context.Context, id string, role turn.Role) (store.PairSession, error) {
	var reason string
	switch role {
	case turn.RoleCreator:
		reason = store.EndReasonCreatorEnded
	case turn.RoleJoiner:
		reason = store.EndReasonPartnerLeft
	default:
		return store.PairSession{}, invalid("role", "must be creator or joiner")
	}

	ended, changed, err := s.store.EndSession(ctx, id, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return store.PairSession{}, ErrNotFound
	}
	if err != nil {
		return store.PairSession{}, unavailable("end session", err)
	}
	if changed {
		s.publishSession(ctx, ended)
		s.archive(ended)
	}
	return ended, nil
}

// DeleteSession removes a session and its children. Normal flows never call
// it; it exists for cleanup tooling.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	err := s.store.DeleteSession(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

func (s *Service) ListRounds(ctx context.Context, id string) ([]store.Round, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}
	rounds, err := s.store.ListRounds(ctx, id)
	if err != nil {
		return nil, unavailable("list rounds", err)
	}
	return rounds, nil
}

func (s *Service) ListMessages(ctx context.Context, id string, limit int) ([]store.Message, error) {
	if _, err := s.GetSession(ctx, id); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, id, limit)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	return messages, nil
}

func (s *Service) SendMessage(ctx context.Context, id string, role turn.Role, body string) (store.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return store.Message{}, invalid("body", "is required")
	}
	if utf8.RuneCountInString(body) > maxMessageLength {
		return store.Message{}, invalid("body", fmt.Sprintf("must be at most %d characters", maxMessageLength))
	}
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return store.Message{}, err
	}
	if !session.Open() {
		return store.Message{}, ErrSessionClosed
	}

	var author string
	switch role {
	case turn.RoleCreator:
		author = session.CreatorName
	case turn.RoleJoiner:
		if session.JoinerName == nil {
			return store.Message{}, ErrNotActive
		}
		author = *session.JoinerName
	default:
		return store.Message{}, invalid("role", "must be creator or joiner")
	}

	message, err := s.store.InsertMessage(ctx, store.Message{
		ID:         uuid.NewString(),
		SessionID:  id,
		AuthorRole: string(role),
		AuthorName: author,
		Body:       body,
	})
	if err != nil {
		return store.Message{}, unavailable("insert message", err)
	}
	s.publishChild(ctx, id, feed.EventInsert, feed.TableMessages, message)
	return message, nil
}

// DemoStatus maps a session status onto the labels the demo surface shows.
func DemoStatus(status string) string {
	switch status {
	case store.StatusWaiting:
		return "not-started"
	case store.StatusActive:
		return "in-progress"
	default:
		return status
	}
}

func cleanName(field, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", invalid(field, "is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", invalid(field, fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	return name, nil
}

func (s *Service) publishSession(ctx context.Context, session store.PairSession) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishSession(ctx, session); err != nil {
		log.Printf("pairing: publish session %s v%d: %v", session.ID, session.Version, err)
	}
}

func (s *Service) publishChild(ctx context.Context, sessionID, eventType, table string, record any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishChild(ctx, sessionID, eventType, table, record); err != nil {
		log.Printf("pairing: publish %s %s for %s: %v", table, eventType, sessionID, err)
	}
}

// archive hands the finished session to the archiver in the background.
func (s *Service) archive(session store.PairSession) {
	if s.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		rounds, err := s.store.ListRounds(ctx, session.ID)
		if err != nil {
			log.Printf("pairing: archive %s: list rounds: %v", session.ID, err)
			return
		}
		messages, err := s.store.ListMessages(ctx, session.ID, 0)
		if err != nil {
			log.Printf("pairing: archive %s: list messages: %v", session.ID, err)
			return
		}
		if err := s.archiver.Archive(ctx, session, rounds, messages); err != nil {
			log.Printf("pairing: archive %s: %v", session.ID, err)
		}
	}()
}
