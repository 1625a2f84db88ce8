// Package profile manages public pledge profiles and the witnesses who
// endorse them.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"oathboard/api/internal/store"
	"oathboard/api/internal/uniq"
	"oathboard/api/internal/util"
)

const (
	maxDisplayName = 80
	maxPledge      = 280
	maxBio         = 2000
	maxNote        = 280
	maxSlug        = 40
	slugAttempts   = 5
)

var (
	ErrNotFound    = errors.New("profile not found")
	ErrInvalid     = errors.New("invalid profile input")
	ErrSelfWitness = errors.New("you cannot witness your own pledge")
)

type Store interface {
	UpsertProfile(ctx context.Context, item store.Profile) (store.Profile, error)
	GetProfileBySlug(ctx context.Context, slug string) (store.Profile, error)
	GetProfileByUserID(ctx context.Context, userID string) (store.Profile, error)
	UpsertWitness(ctx context.Context, item store.Witness) (store.Witness, error)
	ListWitnesses(ctx context.Context, profileID string) ([]store.Witness, error)
	CountWitnesses(ctx context.Context, profileID string) (int, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

// Indexer receives every saved profile. Search implements it.
type Indexer interface {
	IndexProfile(ctx context.Context, item store.Profile)
}

type Notifier interface {
	IsConfigured() bool
	SendWitnessNotice(to, witnessName, profileURL string) error
}

type Options struct {
	// PublicURL prefixes profile links in notification mail, e.g.
	// https://oathboard.example/p/.
	PublicURL string
}

type Service struct {
	store    Store
	indexer  Indexer
	notifier Notifier
	opts     Options
}

func NewService(st Store, indexer Indexer, notifier Notifier, opts Options) *Service {
	return &Service{store: st, indexer: indexer, notifier: notifier, opts: opts}
}

type Input struct {
	DisplayName string `json:"displayName"`
	Pledge      string `json:"pledge"`
	Bio         string `json:"bio"`
}

type View struct {
	store.Profile
	WitnessCount int `json:"witnessCount"`
}

// Save creates or updates the profile owned by userID. New profiles get a
// slug derived from the display name; an existing slug never changes.
func (s *Service) Save(ctx context.Context, userID string, input Input) (store.Profile, error) {
	input.DisplayName = strings.TrimSpace(input.DisplayName)
	input.Pledge = strings.TrimSpace(input.Pledge)
	input.Bio = strings.TrimSpace(input.Bio)
	if err := validate(input); err != nil {
		return store.Profile{}, err
	}

	item := store.Profile{
		UserID:      userID,
		DisplayName: input.DisplayName,
		Pledge:      input.Pledge,
		Bio:         input.Bio,
	}

	existing, err := s.store.GetProfileByUserID(ctx, userID)
	switch {
	case err == nil:
		item.ID = existing.ID
		item.Slug = existing.Slug
		saved, err := s.store.UpsertProfile(ctx, item)
		if err != nil {
			return store.Profile{}, fmt.Errorf("update profile: %w", err)
		}
		s.index(ctx, saved)
		return saved, nil
	case !errors.Is(err, sql.ErrNoRows):
		return store.Profile{}, fmt.Errorf("load profile: %w", err)
	}

	base := Slugify(input.DisplayName)
	item.ID = util.NewID("prf")
	var saved store.Profile
	_, err = uniq.ClaimWithFallback(ctx, slugAttempts,
		func(attempt int) (string, error) {
			if attempt == 0 {
				return base, nil
			}
			return withSuffix(base, strconv.Itoa(attempt+1)), nil
		},
		func() (string, error) {
			return withSuffix(base, util.NewID("")[:6]), nil
		},
		func(ctx context.Context, slug string) error {
			item.Slug = slug
			out, err := s.store.UpsertProfile(ctx, item)
			if err != nil {
				return err
			}
			saved = out
			return nil
		},
		func(err error) bool { return errors.Is(err, store.ErrSlugTaken) },
	)
	if err != nil {
		return store.Profile{}, fmt.Errorf("create profile: %w", err)
	}
	s.index(ctx, saved)
	return saved, nil
}

func (s *Service) Get(ctx context.Context, slug string) (View, error) {
	item, err := s.bySlug(ctx, slug)
	if err != nil {
		return View{}, err
	}
	count, err := s.store.CountWitnesses(ctx, item.ID)
	if err != nil {
		return View{}, fmt.Errorf("count witnesses: %w", err)
	}
	return View{Profile: item, WitnessCount: count}, nil
}

func (s *Service) Mine(ctx context.Context, userID string) (store.Profile, error) {
	item, err := s.store.GetProfileByUserID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Profile{}, ErrNotFound
	}
	return item, err
}

// Witness records userID as a witness of the profile at slug. Witnessing
// twice updates the note. The owner is mailed on the first endorsement only.
func (s *Service) Witness(ctx context.Context, slug, userID, witnessName, note string) (store.Witness, error) {
	witnessName = strings.TrimSpace(witnessName)
	note = strings.TrimSpace(note)
	switch {
	case witnessName == "":
		return store.Witness{}, fmt.Errorf("%w: witness name is required", ErrInvalid)
	case utf8.RuneCountInString(witnessName) > maxDisplayName:
		return store.Witness{}, fmt.Errorf("%w: witness name is too long", ErrInvalid)
	case utf8.RuneCountInString(note) > maxNote:
		return store.Witness{}, fmt.Errorf("%w: note is too long", ErrInvalid)
	}

	item, err := s.bySlug(ctx, slug)
	if err != nil {
		return store.Witness{}, err
	}
	if item.UserID == userID {
		return store.Witness{}, ErrSelfWitness
	}

	before, err := s.store.ListWitnesses(ctx, item.ID)
	if err != nil {
		return store.Witness{}, fmt.Errorf("list witnesses: %w", err)
	}
	saved, err := s.store.UpsertWitness(ctx, store.Witness{
		ProfileID:     item.ID,
		WitnessUserID: userID,
		WitnessName:   witnessName,
		Note:          note,
	})
	if err != nil {
		return store.Witness{}, fmt.Errorf("save witness: %w", err)
	}
	for _, w := range before {
		if w.WitnessUserID == userID {
			return saved, nil
		}
	}
	s.notifyOwner(item, witnessName)
	return saved, nil
}

func (s *Service) Witnesses(ctx context.Context, slug string) ([]store.Witness, error) {
	item, err := s.bySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return s.store.ListWitnesses(ctx, item.ID)
}

func (s *Service) bySlug(ctx context.Context, slug string) (store.Profile, error) {
	item, err := s.store.GetProfileBySlug(ctx, strings.ToLower(strings.TrimSpace(slug)))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Profile{}, ErrNotFound
	}
	if err != nil {
		return store.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return item, nil
}

func (s *Service) index(ctx context.Context, item store.Profile) {
	if s.indexer != nil {
		s.indexer.IndexProfile(ctx, item)
	}
}

func (s *Service) notifyOwner(item store.Profile, witnessName string) {
	if s.notifier == nil || !s.notifier.IsConfigured() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		owner, err := s.store.GetUserByID(ctx, item.UserID)
		if err != nil {
			log.Printf("profile: load owner of %s: %v", item.Slug, err)
			return
		}
		if err := s.notifier.SendWitnessNotice(owner.Email, witnessName, s.opts.PublicURL+item.Slug); err != nil {
			log.Printf("profile: witness notice for %s: %v", item.Slug, err)
		}
	}()
}

func validate(input Input) error {
	switch {
	case input.DisplayName == "":
		return fmt.Errorf("%w: display name is required", ErrInvalid)
	case utf8.RuneCountInString(input.DisplayName) > maxDisplayName:
		return fmt.Errorf("%w: display name is too long", ErrInvalid)
	case input.Pledge == "":
		return fmt.Errorf("%w: pledge is required", ErrInvalid)
	case utf8.RuneCountInString(input.Pledge) > maxPledge:
		return fmt.Errorf("%w: pledge is too long", ErrInvalid)
	case utf8.RuneCountInString(input.Bio) > maxBio:
		return fmt.Errorf("%w: bio is too long", ErrInvalid)
	}
	return nil
}

// Slugify lowercases name, strips accents and joins its ASCII letters and
// digits with single hyphens. Names without any usable characters become
// "pledge".
func Slugify(name string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range norm.NFKD.String(strings.ToLower(name)) {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if hyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			hyphen = false
			b.WriteRune(r)
		default:
			hyphen = true
		}
		if b.Len() >= maxSlug {
			break
		}
	}
	slug := b.String()
	if len(slug) > maxSlug {
		slug = slug[:maxSlug]
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "pledge"
	}
	return slug
}

func withSuffix(base, suffix string) string {
	limit := maxSlug - len(suffix) - 1
	if len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	return base + "-" + suffix
}
