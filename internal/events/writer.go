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
	ReportCreated       = "report.created"
	ReportEdited        = "report.edited"
	ReportSubmitted     = "report.submitted"
	ReportApproved      = "report.approved"
	ReportRejected      = "report.rejected"
	ReportCloned        = "report.cloned"
	IndicatorRegistered = "indicator.registered"
	ActivityRegistered  = "activity.registered"
	ActivityLinked      = "activity.linked"
	ProcurementSaved    = "procurement.saved"
	AllocationSaved     = "budget.allocation.saved"
	ExecutionRecorded   = "budget.execution.recorded"
	CorrelationComputed = "correlation.computed"
	RoleAssigned        = "rbac.role.assigned"
	RBACProvisioned     = "rbac.provisioned"
	APIKeyIssued        = "rbac.api_key.issued"
	APIKeyRevoked       = "rbac.api_key.revoked"
)

// Writer appends audit events inside the caller's transaction, so an event exists exactly
// when the change it describes was committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
