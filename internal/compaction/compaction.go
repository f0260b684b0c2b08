package compaction

import (
	"log"
	"sync"
	"time"

	"github.com/cadmusapp/cadmus/backend/internal/document"
)

type Config struct {
	Interval        time.Duration
	EditThreshold   int
	KeepRecentEdits int
}

func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		EditThreshold:   100,
		KeepRecentEdits: 10,
	}
}

// Service periodically folds long edit logs into their snapshot floor so the
// hot suffix stays small. Content and version are untouched; only fetches
// reaching below the floor fall back to a full snapshot.
type Service struct {
	store  *document.Store
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(store *document.Store, config Config) *Service {
	return &Service{
		store:  store,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("Compaction service started (interval: %v, threshold: %d edits)",
		s.config.Interval, s.config.EditThreshold)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("Compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAll()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAll()
		}
	}
}

func (s *Service) compactAll() {
	compacted := 0
	for _, id := range s.store.DocumentIDs() {
		retained, err := s.store.RetainedEdits(id)
		if err != nil || retained < s.config.EditThreshold {
			continue
		}
		if err := s.CompactNow(id); err != nil {
			log.Printf("Compaction: failed for document %s: %v", id, err)
		} else {
			compacted++
		}
	}

	if compacted > 0 {
		log.Printf("Compacted %d documents", compacted)
	}
}

func (s *Service) CompactNow(docID string) error {
	before, err := s.store.RetainedEdits(docID)
	if err != nil {
		return err
	}
	if err := s.store.Compact(docID, s.config.KeepRecentEdits); err != nil {
		return err
	}
	after, _ := s.store.RetainedEdits(docID)
	if after < before {
		log.Printf("Compacted document %s: %d edits folded, %d retained", docID, before-after, after)
	}
	return nil
}
