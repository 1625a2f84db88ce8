package search

import (
	"context"

	"oathboard/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ProfileID   string `json:"profileId"`
	Slug        string `json:"slug"`
	DisplayName string `json:"displayName"`
	Pledge      string `json:"pledge"`
	Snippet     string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over profiles.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ProfileRecord is the data we index for a profile.
type ProfileRecord struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	DisplayName string `json:"displayName"`
	Pledge      string `json:"pledge"`
	Bio         string `json:"bio"`
}

func recordFrom(p store.Profile) ProfileRecord {
	return ProfileRecord{
		ID:          p.ID,
		Slug:        p.Slug,
		DisplayName: p.DisplayName,
		Pledge:      p.Pledge,
		Bio:         p.Bio,
	}
}

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 50 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
