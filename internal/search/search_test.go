package search

import (
	"context"
	"encoding/json"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"

	"oathboard/api/internal/store"
)

func seedProfiles(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	seed := []store.Profile{
		{ID: "prf_1", UserID: "usr_1", Slug: "ada", DisplayName: "Ada", Pledge: "Run a marathon before spring"},
		{ID: "prf_2", UserID: "usr_2", Slug: "bob", DisplayName: "Bob", Pledge: "Read twelve books", Bio: "Marathon spectator"},
		{ID: "prf_3", UserID: "usr_3", Slug: "cy", DisplayName: "Cy", Pledge: "Call my sister weekly"},
	}
	for _, p := range seed {
		if _, err := st.UpsertProfile(ctx, p); err != nil {
			t.Fatalf("UpsertProfile failed: %v", err)
		}
	}
	return st
}

func TestScanMatchesAllTerms(t *testing.T) {
	scan := NewScan(seedProfiles(t))
	ctx := context.Background()

	results, total, err := scan.Search(ctx, Query{Text: "MARATHON"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if total != 2 || results[0].Slug != "ada" || results[1].Slug != "bob" {
		t.Fatalf("unexpected results %+v (total %d)", results, total)
	}

	results, total, err = scan.Search(ctx, Query{Text: "marathon spring"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if total != 1 || results[0].Slug != "ada" {
		t.Fatalf("expected only ada, got %+v", results)
	}

	results, total, err = scan.Search(ctx, Query{Text: "marathon", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if total != 2 || len(results) != 1 || results[0].Slug != "bob" {
		t.Fatalf("unexpected page %+v", results)
	}

	if results, total, _ := scan.Search(ctx, Query{Text: "   "}); results != nil || total != 0 {
		t.Fatalf("blank query must match nothing, got %+v", results)
	}
}

func TestServiceFallsBackWhenMeiliUnhealthy(t *testing.T) {
	m := NewMeili("http://127.0.0.1:1", "")
	defer m.Close()
	if m.Healthy() {
		t.Fatal("unreachable meilisearch must start unhealthy")
	}

	svc := NewService(m, NewScan(seedProfiles(t)))
	resp := svc.Search(context.Background(), Query{Text: "books"})
	if resp.Total != 1 || resp.Results[0].Slug != "bob" || resp.Query != "books" {
		t.Fatalf("unexpected response %+v", resp)
	}

	// Indexing while unhealthy is a no-op rather than an error.
	svc.IndexProfile(context.Background(), store.Profile{ID: "prf_4"})
	svc.Close()
}

func TestServiceWithoutSearchersReturnsEmpty(t *testing.T) {
	resp := NewService(nil, nil).Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp.Results)
	}
}

func TestHitToResultPrefersHighlight(t *testing.T) {
	hit := meili.Hit{
		"id":          json.RawMessage(`"prf_1"`),
		"slug":        json.RawMessage(`"ada"`),
		"displayName": json.RawMessage(`"Ada"`),
		"pledge":      json.RawMessage(`"Run a marathon"`),
		"_formatted":  json.RawMessage(`{"pledge":"Run a <mark>marathon</mark>"}`),
	}
	got := hitToResult(hit)
	if got.ProfileID != "prf_1" || got.Slug != "ada" || got.Snippet != "Run a <mark>marathon</mark>" {
		t.Fatalf("unexpected result %+v", got)
	}

	plain := hitToResult(meili.Hit{"pledge": json.RawMessage(`"Walk"`)})
	if plain.Snippet != "Walk" {
		t.Fatalf("expected raw pledge as snippet, got %q", plain.Snippet)
	}
}
