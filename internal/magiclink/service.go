// Package magiclink implements passwordless sign-in: a single-use link is
// mailed to an address and exchanged for the account behind it.
package magiclink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"oathboard/api/internal/store"
	"oathboard/api/internal/util"
)

const DefaultTTL = 15 * time.Minute

var (
	ErrInvalidEmail = errors.New("a valid email address is required")
	ErrInvalidLink  = errors.New("sign-in link is invalid")
	ErrExpiredLink  = errors.New("sign-in link has expired")
)

// LinkStore defines the storage interface for magic links
type LinkStore interface {
	InsertMagicLink(ctx context.Context, link store.MagicLink) error
	GetMagicLink(ctx context.Context, id string) (store.MagicLink, error)
	MarkMagicLinkUsed(ctx context.Context, id string) error
	EnsureUserByEmail(ctx context.Context, email string) (store.User, error)
}

// Sender delivers a sign-in URL.
type Sender interface {
	IsConfigured() bool
	SendMagicLink(to, signInURL string, ttl time.Duration) error
}

type Options struct {
	// VerifyURL is the page the link opens; the token is appended as ?token=.
	VerifyURL string
	TTL       time.Duration
	Cost      int
}

type Service struct {
	store  LinkStore
	sender Sender
	opts   Options
	now    func() time.Time
}

func NewService(st LinkStore, sender Sender, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Cost == 0 {
		opts.Cost = bcrypt.DefaultCost
	}
	return &Service{store: st, sender: sender, opts: opts, now: time.Now}
}

// Issued describes a requested link. DevToken is only set when no mail
// transport is configured, so local setups can finish the flow.
type Issued struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
	DevToken  string    `json:"devToken,omitempty"`
}

// Request creates a link for address and mails it.
func (s *Service) Request(ctx context.Context, address string) (Issued, error) {
	email, err := normalizeEmail(address)
	if err != nil {
		return Issued{}, err
	}
	secret, err := util.NewSecret()
	if err != nil {
		return Issued{}, fmt.Errorf("generate secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.opts.Cost)
	if err != nil {
		return Issued{}, fmt.Errorf("hash secret: %w", err)
	}

	link := store.MagicLink{
		ID:         util.NewID("ml"),
		Email:      email,
		SecretHash: string(hash),
		ExpiresAt:  s.now().Add(s.opts.TTL).UTC(),
	}
	if err := s.store.InsertMagicLink(ctx, link); err != nil {
		return Issued{}, err
	}

	token := link.ID + "." + secret
	issued := Issued{Email: email, ExpiresAt: link.ExpiresAt}
	if s.sender == nil || !s.sender.IsConfigured() {
		issued.DevToken = token
		return issued, nil
	}
	if err := s.sender.SendMagicLink(email, s.signInURL(token), s.opts.TTL); err != nil {
		return Issued{}, fmt.Errorf("send magic link: %w", err)
	}
	return issued, nil
}

// Verify consumes token and returns the account for its address, creating
// the account on first sign-in.
func (s *Service) Verify(ctx context.Context, token string) (store.User, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || id == "" || secret == "" {
		return store.User{}, ErrInvalidLink
	}

	link, err := s.store.GetMagicLink(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidLink
	}
	if err != nil {
		return store.User{}, fmt.Errorf("load magic link: %w", err)
	}
	if link.UsedAt != nil {
		return store.User{}, ErrInvalidLink
	}
	if !s.now().Before(link.ExpiresAt) {
		return store.User{}, ErrExpiredLink
	}
	if err := bcrypt.CompareHashAndPassword([]byte(link.SecretHash), []byte(secret)); err != nil {
		return store.User{}, ErrInvalidLink
	}

	if err := s.store.MarkMagicLinkUsed(ctx, id); err != nil {
		if errors.Is(err, store.ErrLinkUsed) {
			return store.User{}, ErrInvalidLink
		}
		return store.User{}, err
	}
	return s.store.EnsureUserByEmail(ctx, link.Email)
}

func (s *Service) signInURL(token string) string {
	base := s.opts.VerifyURL
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

func normalizeEmail(address string) (string, error) {
	address = strings.TrimSpace(address)
	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Address != address {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}
