package presence

import "context"

// Registry tracks which participants currently hold a live connection to a
// group. Contents are volatile and rebuilt as clients reconnect.
type Registry interface {
	// Connect records the participant and reports whether it was newly added.
	Connect(ctx context.Context, groupID, participantID string) (bool, error)
	// Disconnect removes the participant and reports whether it was present.
	Disconnect(ctx context.Context, groupID, participantID string) (bool, error)
	// IsQuorumMet reports whether every expected participant is connected.
	IsQuorumMet(ctx context.Context, groupID string, expected []string) (bool, error)
	// Connected lists the participants currently connected to the group.
	Connected(ctx context.Context, groupID string) ([]string, error)
}
