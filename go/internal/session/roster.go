package session

import (
	"context"
	"fmt"

	"github.com/mcdev12/redwood/go/internal/models"
)

// Roster returns the participants expected in a group.
type Roster interface {
	Participants(ctx context.Context, groupID string) ([]string, error)
}

// StaticRoster is a fixed mapping from group id to participants.
type StaticRoster map[string][]string

func (r StaticRoster) Participants(_ context.Context, groupID string) ([]string, error) {
	participants, ok := r[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownGroup, groupID)
	}
	return participants, nil
}
