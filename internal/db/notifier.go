package db

import (
	"context"
	"encoding/json"

	"adsingest/internal/types"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel for tuple changes.
const DefaultNotifyChannel = "report_dataset_changes"

// PgNotifier publishes tuple changes with pg_notify so listeners on the
// same database see every state transition.
type PgNotifier struct {
	db      DBTX
	channel string
}

// NewPgNotifier creates a PgNotifier; an empty channel selects the default.
func NewPgNotifier(db DBTX, channel string) *PgNotifier {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &PgNotifier{db: db, channel: channel}
}

// Publish sends change as a JSON payload.
func (n *PgNotifier) Publish(ctx context.Context, change types.TupleChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode tuple change", err)
	}
	if _, err := n.db.Exec(ctx, `SELECT pg_notify($1, $2)`, n.channel, string(payload)); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to publish tuple change", err)
	}
	return nil
}
