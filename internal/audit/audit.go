package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"tenauth.io/internal/ids"
	"tenauth.io/internal/obs"
)

// Result classifies an audited outcome.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultFailure   Result = "failure"
	ResultThrottled Result = "throttled"
)

// Event is the structured record pushed to the audit surface for every state
// transition and validation outcome.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"event"`
	At            time.Time      `json:"ts"`
	ActorID       string         `json:"actor_id,omitempty"`
	TenantID      string         `json:"tenant_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Result        Result         `json:"result"`
	Reason        string         `json:"reason,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Emitter is the external audit collaborator. The engine never depends on it
// behaving in any particular way beyond returning.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
}

type ctxKey string

const correlationIDKey ctxKey = "audit_correlation_id"

// WithCorrelationID attaches the request correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext extracts the correlation id, minting one when the
// caller supplied none.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx != nil {
		if v, ok := ctx.Value(correlationIDKey).(string); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// LogEmitter writes audit events as JSON lines through the shared logger.
type LogEmitter struct{}

// Emit marshals the event and prints it. Marshal failures are reported to the
// fallback channel rather than swallowed.
func (LogEmitter) Emit(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		obs.Logger().Printf(`{"type":"audit_fallback","event":%q,"error":"marshal failed"}`, evt.Type)
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// emitTimeout bounds how long a response may wait on audit delivery.
const emitTimeout = 2 * time.Second

// Emit fills in the event envelope and delivers it through the emitter.
// Delivery survives caller cancellation (fire-and-continue) but is bounded;
// a failed emission is logged to the fallback channel and counted, never
// silently discarded.
func Emit(ctx context.Context, emitter Emitter, evt Event) {
	if emitter == nil {
		emitter = LogEmitter{}
	}
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = CorrelationIDFromContext(ctx)
	}

	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()

	if err := emitter.Emit(emitCtx, evt); err != nil {
		obs.ObserveAuditFailure()
		obs.Logger().Printf(`{"type":"audit_fallback","event":%q,"id":%q,"error":%q}`,
			evt.Type, evt.ID, err.Error())
	}
}
