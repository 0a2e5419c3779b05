// Package events appends audit entries to the journal.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	RecordCreated      = "record.created"
	RecordParsed       = "record.parsed"
	RecordClassified   = "record.classified"
	ApprovalCreated    = "approval.created"
	ApprovalNotified   = "approval.notified"
	ApprovalDivergence = "approval.divergence"
	ApprovalDecided    = "approval.decided"
	ActionExecuted     = "action.executed"
	ActionFailed       = "action.failed"
	ActionDeferred     = "action.deferred"
	RecordRejected     = "record.rejected"
	RecordArchived     = "record.archived"
	RecordFault        = "record.fault"
	TriggerFired       = "trigger.fired"
	PlanWritten        = "plan.written"
	StoreReconciled    = "store.reconciled"
	DefaultActor       = "inboxflow"
	HumanActor         = "human"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event. A nil exec uses the writer's DB.
func (w Writer) Append(ctx context.Context, exec Execer, evtType, key, state, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if exec == nil {
		if w.DB == nil {
			return nil
		}
		exec = w.DB
	}
	if actorID == "" {
		actorID = DefaultActor
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO events(ts,type,record_key,state,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(key), nullable(state), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
