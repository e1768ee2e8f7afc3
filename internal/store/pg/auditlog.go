package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"tenauth.io/internal/audit"
)

// AuditSink persists audit events to the audit_log table. It satisfies
// audit.Emitter; callers already bound the context, so Emit does one insert
// and reports any failure upward.
type AuditSink struct {
	db *sql.DB
}

var _ audit.Emitter = (*AuditSink)(nil)

// NewAuditSink wraps the store's handle.
func NewAuditSink(s *Store) *AuditSink { return &AuditSink{db: s.db} }

func (a *AuditSink) Emit(ctx context.Context, evt audit.Event) error {
	var fields []byte
	if evt.Fields != nil {
		var err error
		fields, err = json.Marshal(evt.Fields)
		if err != nil {
			return err
		}
	}
	_, err := a.db.ExecContext(ctx, `
		insert into audit_log(id, event, ts, actor_id, tenant_id, correlation_id, result, reason, fields)
		values ($1,$2,$3,nullif($4,''),nullif($5,''),$6,$7,nullif($8,''),$9)
	`, evt.ID, evt.Type, evt.At, evt.ActorID, evt.TenantID, evt.CorrelationID,
		evt.Result, evt.Reason, fields)
	return err
}
