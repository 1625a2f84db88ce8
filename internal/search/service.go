package search

import (
	"context"
	"log"
	"time"

	"oathboard/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// secondary searcher (Postgres FTS, or Scan in memory mode).
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexProfile pushes a saved profile to Meilisearch (fire-and-forget).
func (s *Service) IndexProfile(_ context.Context, item store.Profile) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := recordFrom(item)
	go func() {
		if err := s.meili.IndexProfiles([]ProfileRecord{record}); err != nil {
			log.Printf("search: index profile %s: %v", record.ID, err)
		}
	}()
}

// DeleteProfile removes a profile from the index (fire-and-forget).
func (s *Service) DeleteProfile(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProfile(id); err != nil {
			log.Printf("search: delete profile %s: %v", id, err)
		}
	}()
}

// ReindexFromPG pushes every profile from PostgreSQL into Meilisearch.
// Called at startup when Meilisearch is reachable.
func (s *Service) ReindexFromPG(ctx context.Context, pg *PgFTS) {
	if s.meili == nil || !s.meili.Healthy() || pg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexProfiles(records); err != nil {
		log.Printf("search: reindex profiles: %v", err)
		return
	}
	log.Printf("search: reindexed %d profiles", len(records))
}

// Close stops the Meilisearch health monitor.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
