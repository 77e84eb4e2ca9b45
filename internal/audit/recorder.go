// Package audit publishes approval decisions to NATS for downstream
// persistence and review tooling.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taod/internal/approval"
)

// subjectPrefix namespaces audit events on the shared NATS connection.
const subjectPrefix = "approvals.audit"

// Recorder publishes decision events to NATS subjects of the form
// approvals.audit.<outcome>.
type Recorder struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewRecorder creates a NATS-backed audit recorder.
func NewRecorder(nc *nats.Conn, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{nc: nc, logger: logger}
}

// RecordDecision publishes one decision event. The caller treats failures as
// log-only; this method still returns the error for that logging.
func (r *Recorder) RecordDecision(_ context.Context, event approval.DecisionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling decision event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", subjectPrefix, event.Outcome)
	if err := r.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing decision event: %w", err)
	}
	r.logger.Debug("audit event published",
		zap.String("subject", subject),
		zap.String("request_id", event.RequestID))
	return nil
}
