package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	ProjectInit       = "project.init"
	ProjectUpdate     = "project.update"
	ProjectConfig     = "project.config.import"
	RequirementCreate = "requirement.create"
	RequirementUpdate = "requirement.update"
	RequirementDelete = "requirement.delete"
	RequirementRecalc = "requirement.recompute"
	SubtaskAdd        = "subtask.add"
	SubtaskEdit       = "subtask.edit"
	SubtaskDelete     = "subtask.delete"
	ReviewEdit        = "review.edit"
	VersionAssign     = "version.assign"
	APIKeyCreate      = "apikey.create"
	RoleGrant         = "rbac.grant"
	RoleRevoke        = "rbac.revoke"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Entry is one event row to append.
type Entry struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

// Append records e inside tx so the event commits or rolls back with the
// mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
