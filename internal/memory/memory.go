// Package memory provides the overview and search reads over the
// append-only memory store. The retrieval engine proper is an external
// collaborator; the ranking here is a deliberately simple match-count plus
// recency ordering.
package memory

import (
	"sort"
	"strings"

	"github.com/mlowden/strand/internal/models"
	"github.com/mlowden/strand/internal/store"
)

// ThreadMemories groups a thread's records for the overview.
type ThreadMemories struct {
	ThreadID string                `json:"thread"`
	Memories []models.MemoryRecord `json:"memories"`
}

// Overview is the full memory landscape: permanent insights plus per-thread
// groups.
type Overview struct {
	Permanent []models.MemoryRecord `json:"permanent"`
	Threads   []ThreadMemories      `json:"threads"`
}

// Service reads and writes memory records.
type Service struct {
	store *store.Store
}

// New creates a memory service.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// Append adds a record. Records are never mutated after creation.
func (s *Service) Append(rec models.MemoryRecord) (*models.MemoryRecord, error) {
	return s.store.AppendMemory(rec)
}

// Overview returns permanent insights and all thread-scoped groups.
func (s *Service) Overview() (*Overview, error) {
	permanent, err := s.store.ListMemories("")
	if err != nil {
		return nil, err
	}

	threadIDs, err := s.store.MemoryThreadIDs()
	if err != nil {
		return nil, err
	}

	overview := &Overview{Permanent: permanent}
	for _, id := range threadIDs {
		records, err := s.store.ListMemories(id)
		if err != nil {
			return nil, err
		}
		overview.Threads = append(overview.Threads, ThreadMemories{ThreadID: id, Memories: records})
	}
	return overview, nil
}

// Search returns records matching the query ranked by term hit count, with
// recency breaking ties. The store pre-filters with LIKE; ranking happens
// here so multi-term queries order sensibly.
func (s *Service) Search(query, domain string, limit int) ([]models.MemoryRecord, error) {
	query = strings.TrimSpace(query)
	if limit <= 0 {
		limit = 20
	}

	// Over-fetch so ranking has something to reorder.
	candidates, err := s.store.SearchMemories(query, domain, limit*3)
	if err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		rec   models.MemoryRecord
		score int
	}
	ranked := make([]scored, 0, len(candidates))
	for _, rec := range candidates {
		haystack := strings.ToLower(rec.Summary + " " + rec.Content)
		score := 0
		for _, term := range terms {
			score += strings.Count(haystack, term)
		}
		ranked = append(ranked, scored{rec: rec, score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].rec.Timestamp.After(ranked[j].rec.Timestamp)
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	results := make([]models.MemoryRecord, len(ranked))
	for i, r := range ranked {
		results[i] = r.rec
	}
	return results, nil
}
