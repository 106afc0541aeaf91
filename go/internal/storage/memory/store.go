package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mcdev12/redwood/go/internal/models"
)

// Store keeps events and readiness records in process memory. It backs tests
// and single-process deployments that don't need durability.
type Store struct {
	mu        sync.RWMutex
	seq       int64
	events    map[string][]models.Event
	readiness map[string]models.ReadinessRecord
}

func NewStore() *Store {
	return &Store{
		events:    make(map[string][]models.Event),
		readiness: make(map[string]models.ReadinessRecord),
	}
}

func (s *Store) InsertEvent(ctx context.Context, evt models.Event) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return models.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	evt.Sequence = s.seq
	evt.Payload = append([]byte(nil), evt.Payload...)

	// Keep each group slice sorted by (timestamp, sequence). Appends almost
	// always land at the tail.
	list := s.events[evt.GroupID]
	i := len(list)
	for i > 0 && list[i-1].Timestamp.After(evt.Timestamp) {
		i--
	}
	list = append(list, models.Event{})
	copy(list[i+1:], list[i:])
	list[i] = evt
	s.events[evt.GroupID] = list
	return evt, nil
}

func (s *Store) ListEvents(ctx context.Context, groupID string, channel *string) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Event, 0, len(s.events[groupID]))
	for _, evt := range s.events[groupID] {
		if channel != nil && evt.Channel != *channel {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func (s *Store) LatestEvent(ctx context.Context, groupID, channel string) (*models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.events[groupID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Channel == channel {
			evt := list[i]
			return &evt, nil
		}
	}
	return nil, nil
}

func (s *Store) LatestPerChannel(ctx context.Context, groupID string) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]models.Event)
	for _, evt := range s.events[groupID] {
		latest[evt.Channel] = evt
	}
	out := make([]models.Event, 0, len(latest))
	for _, evt := range latest {
		out = append(out, evt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) GetReadiness(ctx context.Context, groupID string) (models.ReadinessRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.ReadinessRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.readiness[groupID]
	if !ok {
		return models.ReadinessRecord{GroupID: groupID}, nil
	}
	return rec, nil
}

func (s *Store) MarkReady(ctx context.Context, groupID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.readiness[groupID]; ok && rec.Ran {
		return nil
	}
	s.readiness[groupID] = models.ReadinessRecord{GroupID: groupID, Ran: true, Timestamp: at}
	return nil
}
