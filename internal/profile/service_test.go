package profile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"oathboard/api/internal/store"
)

type recordingIndexer struct {
	indexed []store.Profile
}

func (r *recordingIndexer) IndexProfile(_ context.Context, item store.Profile) {
	r.indexed = append(r.indexed, item)
}

type fakeNotifier struct {
	sent chan string
}

func (f *fakeNotifier) IsConfigured() bool { return true }

func (f *fakeNotifier) SendWitnessNotice(to, witnessName, profileURL string) error {
	f.sent <- to + "|" + witnessName + "|" + profileURL
	return nil
}

// takenStore reports every slug in taken as already claimed.
type takenStore struct {
	*store.MemoryStore
	taken    map[string]bool
	attempts []string
}

func (s *takenStore) UpsertProfile(ctx context.Context, item store.Profile) (store.Profile, error) {
	s.attempts = append(s.attempts, item.Slug)
	if s.taken[item.Slug] {
		return store.Profile{}, store.ErrSlugTaken
	}
	return s.MemoryStore.UpsertProfile(ctx, item)
}

func mustUser(t *testing.T, st *store.MemoryStore, email string) store.User {
	t.Helper()
	user, err := st.EnsureUserByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("EnsureUserByEmail failed: %v", err)
	}
	return user
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Ada Lovelace", "ada-lovelace"},
		{"  --Grace   Hopper!! ", "grace-hopper"},
		{"R2 D2", "r2-d2"},
		{"Zoë", "zoe"},
		{"José Núñez", "jose-nunez"},
		{"ＡＢＣ", "abc"},
		{"東京", "pledge"},
		{"!!!", "pledge"},
		{strings.Repeat("a", 60), strings.Repeat("a", maxSlug)},
	}
	for _, tc := range tests {
		if got := Slugify(tc.name); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSaveCreatesThenUpdatesKeepingSlug(t *testing.T) {
	st := store.NewMemoryStore()
	indexer := &recordingIndexer{}
	svc := NewService(st, indexer, nil, Options{})
	ctx := context.Background()
	ada := mustUser(t, st, "ada@example.com")

	created, err := svc.Save(ctx, ada.ID, Input{DisplayName: "Ada Lovelace", Pledge: "Ship the engine notes"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if created.Slug != "ada-lovelace" || created.UserID != ada.ID {
		t.Fatalf("unexpected profile %+v", created)
	}

	updated, err := svc.Save(ctx, ada.ID, Input{DisplayName: "Countess Lovelace", Pledge: "Publish the notes"})
	if err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	if updated.ID != created.ID || updated.Slug != created.Slug || updated.Pledge != "Publish the notes" {
		t.Fatalf("update must keep id and slug: %+v", updated)
	}
	if len(indexer.indexed) != 2 {
		t.Fatalf("expected both saves to be indexed, got %d", len(indexer.indexed))
	}

	mine, err := svc.Mine(ctx, ada.ID)
	if err != nil || mine.DisplayName != "Countess Lovelace" {
		t.Fatalf("Mine returned %+v, %v", mine, err)
	}
}

func TestSaveSuffixesTakenSlug(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil, nil, Options{})
	ctx := context.Background()

	first, err := svc.Save(ctx, mustUser(t, st, "a@example.com").ID, Input{DisplayName: "Sam", Pledge: "one"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	second, err := svc.Save(ctx, mustUser(t, st, "b@example.com").ID, Input{DisplayName: "Sam", Pledge: "two"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if first.Slug != "sam" || second.Slug != "sam-2" {
		t.Fatalf("unexpected slugs %q %q", first.Slug, second.Slug)
	}
}

func TestSaveFallsBackToRandomSuffix(t *testing.T) {
	mem := store.NewMemoryStore()
	st := &takenStore{MemoryStore: mem, taken: map[string]bool{"sam": true}}
	for i := 2; i <= slugAttempts; i++ {
		st.taken[withSuffix("sam", string(rune('0'+i)))] = true
	}
	svc := NewService(st, nil, nil, Options{})

	saved, err := svc.Save(context.Background(), mustUser(t, mem, "c@example.com").ID, Input{DisplayName: "Sam", Pledge: "three"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(st.attempts) != slugAttempts+1 {
		t.Fatalf("expected %d attempts, got %v", slugAttempts+1, st.attempts)
	}
	if !strings.HasPrefix(saved.Slug, "sam-") || len(saved.Slug) != len("sam-")+6 {
		t.Fatalf("unexpected fallback slug %q", saved.Slug)
	}
}

func TestSaveValidates(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), nil, nil, Options{})
	inputs := []Input{
		{Pledge: "missing name"},
		{DisplayName: "Ada"},
		{DisplayName: strings.Repeat("x", maxDisplayName+1), Pledge: "p"},
		{DisplayName: "Ada", Pledge: strings.Repeat("x", maxPledge+1)},
	}
	for _, input := range inputs {
		if _, err := svc.Save(context.Background(), "usr_1", input); !errors.Is(err, ErrInvalid) {
			t.Errorf("%+v: expected ErrInvalid, got %v", input, err)
		}
	}
}

func TestWitness(t *testing.T) {
	st := store.NewMemoryStore()
	notifier := &fakeNotifier{sent: make(chan string, 4)}
	svc := NewService(st, nil, notifier, Options{PublicURL: "https://oathboard.example/p/"})
	ctx := context.Background()
	ada := mustUser(t, st, "ada@example.com")
	bob := mustUser(t, st, "bob@example.com")

	if _, err := svc.Save(ctx, ada.ID, Input{DisplayName: "Ada", Pledge: "Walk daily"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := svc.Witness(ctx, "ada", ada.ID, "Ada", ""); !errors.Is(err, ErrSelfWitness) {
		t.Fatalf("expected ErrSelfWitness, got %v", err)
	}
	if _, err := svc.Witness(ctx, "nobody", bob.ID, "Bob", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := svc.Witness(ctx, "ADA", bob.ID, "Bob", "I'll hold you to it"); err != nil {
		t.Fatalf("Witness failed: %v", err)
	}
	if _, err := svc.Witness(ctx, "ada", bob.ID, "Bob", "Still watching"); err != nil {
		t.Fatalf("second Witness failed: %v", err)
	}

	view, err := svc.Get(ctx, "ada")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if view.WitnessCount != 1 {
		t.Fatalf("witnessing twice must count once, got %d", view.WitnessCount)
	}
	witnesses, err := svc.Witnesses(ctx, "ada")
	if err != nil {
		t.Fatalf("Witnesses failed: %v", err)
	}
	if len(witnesses) != 1 || witnesses[0].Note != "Still watching" {
		t.Fatalf("unexpected witnesses %+v", witnesses)
	}

	select {
	case got := <-notifier.sent:
		if got != "ada@example.com|Bob|https://oathboard.example/p/ada" {
			t.Fatalf("unexpected notice %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("owner was not notified")
	}
	select {
	case got := <-notifier.sent:
		t.Fatalf("repeat endorsement must not notify again, got %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}
