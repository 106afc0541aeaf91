package eventlog

import (
	"context"

	"github.com/mcdev12/redwood/go/internal/models"
)

// Repository persists events. Implementations assign Event.Sequence, a value
// that increases with every insert, and return events ordered by
// (Timestamp, Sequence).
type Repository interface {
	InsertEvent(ctx context.Context, evt models.Event) (models.Event, error)
	ListEvents(ctx context.Context, groupID string, channel *string) ([]models.Event, error)
	LatestEvent(ctx context.Context, groupID, channel string) (*models.Event, error)
	LatestPerChannel(ctx context.Context, groupID string) ([]models.Event, error)
}
