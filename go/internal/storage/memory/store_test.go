package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mcdev12/redwood/go/internal/models"
)

func TestInsertEventKeepsTimestampOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, off := range []time.Duration{2 * time.Second, 0, time.Second, time.Second} {
		_, err := s.InsertEvent(ctx, models.Event{
			GroupID:   "g",
			Channel:   "c",
			Timestamp: base.Add(off),
			Payload:   json.RawMessage([]byte{byte('0' + i)}),
		})
		if err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
	}

	events, err := s.ListEvents(ctx, "g", nil)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var got string
	for _, evt := range events {
		got += string(evt.Payload)
	}
	if got != "1230" {
		t.Fatalf("order = %q, want %q", got, "1230")
	}
}

func TestMarkReadyIsSticky(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	rec, err := s.GetReadiness(ctx, "g")
	if err != nil || rec.Ran {
		t.Fatalf("GetReadiness before mark = %+v, %v", rec, err)
	}

	first := time.Unix(100, 0)
	if err := s.MarkReady(ctx, "g", first); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if err := s.MarkReady(ctx, "g", time.Unix(200, 0)); err != nil {
		t.Fatalf("MarkReady again: %v", err)
	}

	rec, _ = s.GetReadiness(ctx, "g")
	if !rec.Ran || !rec.Timestamp.Equal(first) {
		t.Fatalf("record = %+v, want ran at %v", rec, first)
	}
}
