package retention

import (
	"log"
	"sync"
	"time"

	"driftboard/internal/protocol"
	"driftboard/internal/ws"
)

type Config struct {
	Interval         time.Duration
	KeepAutoVersions int
}

func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Minute,
		KeepAutoVersions: 20,
	}
}

// CanvasSource hands over stroke logs that changed since the last flush.
type CanvasSource interface {
	FlushDirtyCanvases() []ws.CanvasSnapshot
}

// Store is the slice of the persistence layer the service needs.
type Store interface {
	SaveCanvas(id string, strokes []protocol.Stroke) error
	ListScratchpads() ([]protocol.SessionInfo, error)
	DeleteOldAutoVersions(docID string, keepCount int) error
}

// Service periodically snapshots dirty in-memory canvas logs to the store and
// prunes old auto-saved scratchpad versions.
type Service struct {
	source CanvasSource
	db     Store
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(source CanvasSource, db Store, config Config) *Service {
	return &Service{
		source: source,
		db:     db,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🗜️ Retention service started (interval: %v, keep: %d auto versions)",
		s.config.Interval, s.config.KeepAutoVersions)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("🗜️ Retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.Sweep()
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one retention pass. Exported so shutdown and tests can force it.
func (s *Service) Sweep() {
	snapshots := s.source.FlushDirtyCanvases()
	flushed := 0
	for _, snap := range snapshots {
		if err := s.db.SaveCanvas(snap.SessionID, snap.Strokes); err != nil {
			log.Printf("Retention: failed to snapshot canvas %s: %v", snap.SessionID, err)
		} else {
			flushed++
		}
	}
	if flushed > 0 {
		log.Printf("🗜️ Snapshotted %d canvases", flushed)
	}

	docs, err := s.db.ListScratchpads()
	if err != nil {
		log.Printf("Retention: failed to list scratchpads: %v", err)
		return
	}
	for _, doc := range docs {
		if err := s.db.DeleteOldAutoVersions(doc.ID, s.config.KeepAutoVersions); err != nil {
			log.Printf("Retention: failed to prune versions for %s: %v", doc.ID, err)
		}
	}
}
