package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oathboard/api/internal/auth"
	"oathboard/api/internal/config"
	"oathboard/api/internal/feed"
	"oathboard/api/internal/magiclink"
	"oathboard/api/internal/pairing"
	"oathboard/api/internal/profile"
	"oathboard/api/internal/search"
	"oathboard/api/internal/store"
	"oathboard/api/internal/util"
)

// Session is an authenticated caller of the pledge endpoints. Pairing
// sessions do not require one.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type AccountStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	Ping(context.Context) error
}

// RefreshStore keeps refresh-token sessions. authsession.RedisStore and the
// row stores implement it.
type RefreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	RotateRefreshSession(context.Context, string, string, time.Time) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

// EventSource is the change feed as seen by the events endpoint.
type EventSource interface {
	Subscribe(ctx context.Context, sessionID string, onChange func(store.PairSession), onDrop func(error)) (feed.Unsubscribe, error)
	SubscribeToChildren(ctx context.Context, sessionID string, onInsert, onUpdate func(feed.ChildEvent), onDrop func(error)) (feed.Unsubscribe, error)
	Ping(context.Context) error
}

type Deps struct {
	Accounts AccountStore
	Refresh  RefreshStore
	Pairing  *pairing.Service
	Events   EventSource
	Links    *magiclink.Service
	Profiles *profile.Service
	Search   *search.Service
}

type Service struct {
	cfg      config.Config
	issuer   *auth.Issuer
	accounts AccountStore
	refresh  RefreshStore
	pairing  *pairing.Service
	events   EventSource
	links    *magiclink.Service
	profiles *profile.Service
	search   *search.Service
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		issuer:   auth.NewIssuer([]byte(cfg.JWTSecret), cfg.AccessTTL),
		accounts: deps.Accounts,
		refresh:  deps.Refresh,
		pairing:  deps.Pairing,
		events:   deps.Events,
		links:    deps.Links,
		profiles: deps.Profiles,
		search:   deps.Search,
	}
}

// Ping checks every backing service the API cannot work without.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.accounts.Ping(ctx)}
	if s.events != nil {
		checks["redis"] = s.events.Ping(ctx)
	}
	return checks
}

func (s *Service) InternalToken() string {
	return s.cfg.InternalToken
}

// SignIn exchanges a magic-link token for an access and refresh token pair.
func (s *Service) SignIn(ctx context.Context, linkToken string) (Session, error) {
	user, err := s.links.Verify(ctx, linkToken)
	if err != nil {
		return Session{}, err
	}
	refresh := newRefreshToken()
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}
	return s.issueSession(user, refresh)
}

// Refresh rotates refreshToken. A token can be used once; replaying it
// fails with auth.ErrInvalidToken.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, auth.ErrInvalidToken
	}
	next := newRefreshToken()
	owner, err := s.refresh.RotateRefreshSession(ctx, auth.HashToken(refreshToken), auth.HashToken(next), time.Now().Add(s.cfg.RefreshTTL))
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.accounts.GetUserByID(ctx, owner.ID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(user, next)
}

func (s *Service) issueSession(user store.User, refresh string) (Session, error) {
	token, claims, err := s.issuer.Issue(user.ID, user.Email)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		JTI:          claims.JTI,
		ExpiresAt:    time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.accounts.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// Me returns the caller and their profile, if they created one.
func (s *Service) Me(ctx context.Context, session Session) (map[string]any, error) {
	payload := map[string]any{
		"userId":  session.UserID,
		"email":   session.Email,
		"profile": nil,
	}
	mine, err := s.profiles.Mine(ctx, session.UserID)
	if errors.Is(err, profile.ErrNotFound) {
		return payload, nil
	}
	if err != nil {
		return nil, err
	}
	payload["profile"] = mine
	return payload, nil
}

func sessionPayload(session store.PairSession) map[string]any {
	return map[string]any{
		"session":    session,
		"demoStatus": pairing.DemoStatus(session.Status),
	}
}

func newRefreshToken() string {
	return util.NewID("rft") + util.NewID("")
}
