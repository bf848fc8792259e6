package services

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/perceptlab/studybot/internal/catalog"
	"github.com/perceptlab/studybot/internal/models"
)

// SequenceStore abstracts the persistence needed by the sequence generator.
type SequenceStore interface {
	ReplaceSequence(userID int64, items []models.SequenceItem) error
}

// SequenceService assigns each participant a uniformly random ordering of the
// fixed scenario set for their condition.
type SequenceService struct {
	store SequenceStore
	cat   *catalog.Catalog

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSequenceService(store SequenceStore, cat *catalog.Catalog) *SequenceService {
	return &SequenceService{
		store: store,
		cat:   cat,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Assign builds the (scenario, media reference) list for the condition,
// shuffles it so every permutation is equally likely, and atomically replaces
// any previous assignment. Re-invocation yields a fresh independent ordering;
// in the normal flow it runs exactly once, at the end of intake.
func (s *SequenceService) Assign(userID int64, cond models.Condition) ([]models.SequenceItem, error) {
	if !cond.Valid() {
		return nil, NewInvalidError(fmt.Sprintf("unknown condition %q", cond))
	}

	scenarios := s.cat.Scenarios()
	items := make([]models.SequenceItem, 0, len(scenarios))
	for _, scen := range scenarios {
		ref, ok := s.cat.MediaRef(cond, scen)
		if !ok {
			return nil, NewConfigError(fmt.Sprintf("no media reference for condition %q, scenario %q", cond, scen))
		}
		items = append(items, models.SequenceItem{UserID: userID, Condition: cond, Scenario: scen, MediaRef: ref})
	}

	s.mu.Lock()
	s.rng.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	s.mu.Unlock()
	for pos := range items {
		items[pos].Position = pos
	}

	if err := s.store.ReplaceSequence(userID, items); err != nil {
		return nil, err
	}
	return items, nil
}
