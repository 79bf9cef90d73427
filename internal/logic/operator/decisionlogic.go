package operator

import (
	"context"

	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/lifecycle"
	"github.com/neboloop/signon/internal/logging"
	"github.com/neboloop/signon/internal/sites"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

type DecisionLogic struct {
	*zap.SugaredLogger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

// Approve, reject or ask for intervention on a request
func NewDecisionLogic(ctx context.Context, svcCtx *svc.ServiceContext) *DecisionLogic {
	return &DecisionLogic{
		SugaredLogger: logging.Named("operator").Sugar(),
		ctx:           ctx,
		svcCtx:        svcCtx,
	}
}

func (l *DecisionLogic) Decision(id string, req *types.DecisionRequest) (*types.RequestResponse, error) {
	p, err := principal(l.ctx)
	if err != nil {
		return nil, err
	}
	r, err := l.svcCtx.Machine.OperatorDecision(l.ctx, id, lifecycle.Decision{
		Action:       lifecycle.Action(req.Action),
		Reason:       req.Reason,
		Intervention: sites.InterventionType(req.InterventionType),
	}, p.ID)
	l.svcCtx.RecordCommand(l.ctx, p, auth.RoleOperator, "operator_decision", id, err)
	if err != nil {
		return nil, err
	}
	l.Infow("operator decision", "request", logging.Ref(id), "action", req.Action, "operator", p.ID)
	return &types.RequestResponse{Request: r}, nil
}
