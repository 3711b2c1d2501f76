package search

import (
	"context"
	"log"

	"juday/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to
// Postgres FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSheet pushes a saved sheet into Meilisearch, fire and forget.
// Postgres FTS needs no push; its index is a generated column.
func (s *Service) IndexSheet(sheet store.Sheet) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := SheetRecord{
		ID:        sheet.ID,
		OwnerID:   sheet.UserID,
		SheetDate: sheet.SheetDate,
		Body:      sheet.Body,
	}
	go func() {
		if err := s.meili.IndexSheet(record); err != nil {
			log.Printf("search: index sheet %s: %v", record.ID, err)
		}
	}()
}

// ReindexAllFromPG reads every sheet from Postgres and pushes it to
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.meili.IndexSheets(records); err != nil {
		log.Printf("search: reindex sheets: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
