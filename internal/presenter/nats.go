// Package presenter delivers approval prompts over NATS and awaits decisions.
//
// Prompts are published to approvals.prompt.<id>; a responder publishes its
// decision to approvals.decision.<id>. A view_details decision triggers an
// expanded payload on approvals.details.<id> before the gate re-presents the
// prompt. No responder simply means the gate's timer expires the request.
package presenter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taod/internal/approval"
)

// decisionMessage is the wire shape of a responder's decision.
type decisionMessage struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

// detailsMessage is the expanded context published on a view_details request.
type detailsMessage struct {
	RequestID  string                  `json:"request_id"`
	Action     approval.ProposedAction `json:"action"`
	Reversible bool                    `json:"reversible"`
	CreatedAt  string                  `json:"created_at"`
}

// NATS presents approval prompts over a NATS connection.
type NATS struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// New creates a NATS presenter.
func New(nc *nats.Conn, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{nc: nc, logger: logger}
}

// Present publishes the prompt and blocks until a decision message arrives or
// the context is cancelled. The subscription is established before the prompt
// is published so a fast responder cannot race the prompt.
func (p *NATS) Present(ctx context.Context, req approval.Request) (approval.Decision, error) {
	sub, err := p.nc.SubscribeSync(fmt.Sprintf("approvals.decision.%s", req.ID))
	if err != nil {
		return approval.DecisionDismissed, fmt.Errorf("subscribing for decision: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	prompt, err := json.Marshal(req)
	if err != nil {
		return approval.DecisionDismissed, fmt.Errorf("marshaling prompt: %w", err)
	}
	if err := p.nc.Publish(fmt.Sprintf("approvals.prompt.%s", req.ID), prompt); err != nil {
		return approval.DecisionDismissed, fmt.Errorf("publishing prompt: %w", err)
	}

	p.logger.Debug("approval prompt published", zap.String("request_id", req.ID))

	msg, err := sub.NextMsgWithContext(ctx)
	if err != nil {
		return approval.DecisionDismissed, err
	}

	var dm decisionMessage
	if err := json.Unmarshal(msg.Data, &dm); err != nil {
		p.logger.Warn("malformed decision message",
			zap.String("request_id", req.ID),
			zap.Error(err))
		return approval.DecisionDismissed, nil
	}

	switch approval.Decision(dm.Decision) {
	case approval.DecisionApprove:
		return approval.DecisionApprove, nil
	case approval.DecisionDeny:
		return approval.DecisionDeny, nil
	case approval.DecisionViewDetails:
		p.publishDetails(req)
		return approval.DecisionViewDetails, nil
	default:
		return approval.DecisionDismissed, nil
	}
}

// publishDetails surfaces extra context for a reviewer before re-presentation.
func (p *NATS) publishDetails(req approval.Request) {
	details, err := json.Marshal(detailsMessage{
		RequestID:  req.ID,
		Action:     req.Action,
		Reversible: req.Action.Reversible,
		CreatedAt:  req.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return
	}
	if err := p.nc.Publish(fmt.Sprintf("approvals.details.%s", req.ID), details); err != nil {
		p.logger.Warn("publishing details failed",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}
}
