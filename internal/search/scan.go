package search

import (
	"context"
	"strings"

	"oathboard/api/internal/store"
)

// ProfileLister is implemented by store.MemoryStore.
type ProfileLister interface {
	ListProfiles(ctx context.Context) ([]store.Profile, error)
}

// Scan matches every whitespace-separated term of the query as a
// case-insensitive substring of the display name, pledge or bio. It backs
// the in-memory mode where neither Meilisearch nor Postgres is available.
type Scan struct {
	profiles ProfileLister
}

func NewScan(profiles ProfileLister) *Scan {
	return &Scan{profiles: profiles}
}

func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	q = normalize(q)

	items, err := s.profiles.ListProfiles(ctx)
	if err != nil {
		return nil, 0, err
	}
	var matched []Result
	for _, p := range items {
		haystack := strings.ToLower(p.DisplayName + " " + p.Pledge + " " + p.Bio)
		if containsAll(haystack, terms) {
			matched = append(matched, Result{
				ProfileID:   p.ID,
				Slug:        p.Slug,
				DisplayName: p.DisplayName,
				Pledge:      p.Pledge,
				Snippet:     p.Pledge,
			})
		}
	}

	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return matched[q.Offset:end], total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
