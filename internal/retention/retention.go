// Package retention prunes save history in the background so long-lived
// rooms do not accumulate unbounded rows.
package retention

import (
	"log"
	"sync"
	"time"

	"github.com/syncpadhq/syncpad/backend/internal/db"
)

type Config struct {
	Interval  time.Duration
	KeepSaves int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		KeepSaves: 20,
	}
}

type Service struct {
	database *db.Database
	config   Config
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(database *db.Database, config Config) *Service {
	return &Service{
		database: database,
		config:   config,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🧹 Retention service started (interval: %v, keep: %d saves)",
		s.config.Interval, s.config.KeepSaves)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("🧹 Retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.pruneAllRooms()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pruneAllRooms()
		}
	}
}

func (s *Service) pruneAllRooms() {
	rooms, err := s.database.ListRooms(1000, 0)
	if err != nil {
		log.Printf("Retention: failed to list rooms: %v", err)
		return
	}

	prunedCount := 0
	for _, room := range rooms {
		count, err := s.database.GetSaveCount(room.RoomID)
		if err != nil || count <= s.config.KeepSaves {
			continue
		}
		if err := s.database.PruneSaves(room.RoomID, s.config.KeepSaves); err != nil {
			log.Printf("Retention: failed for room %s: %v", room.RoomID, err)
		} else {
			prunedCount++
		}
	}

	if prunedCount > 0 {
		log.Printf("🧹 Pruned save history for %d rooms", prunedCount)
	}
}

// PruneNow forces an immediate prune of one room.
func (s *Service) PruneNow(roomID string) error {
	return s.database.PruneSaves(roomID, s.config.KeepSaves)
}
