package request

import (
	"context"

	"go.uber.org/zap"

	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/lifecycle"
	"github.com/neboloop/signon/internal/logging"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

type InterventionLogic struct {
	*zap.SugaredLogger
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

// Supply a one-time code or challenge answer
func NewInterventionLogic(ctx context.Context, svcCtx *svc.ServiceContext) *InterventionLogic {
	return &InterventionLogic{
		SugaredLogger: logging.Named("request").Sugar(),
		ctx:           ctx,
		svcCtx:        svcCtx,
	}
}

func (l *InterventionLogic) Intervention(id string, req *types.InterventionRequest) (*types.InterventionResponse, error) {
	p, err := principal(l.ctx)
	if err != nil {
		return nil, err
	}
	if _, err := ownedRequest(l.ctx, l.svcCtx, p, id); err != nil {
		l.svcCtx.RecordCommand(l.ctx, p, auth.RoleRequester, "intervention", id, err)
		return nil, err
	}
	res, err := l.svcCtx.Machine.SubmitInterventionResult(l.ctx, id, lifecycle.InterventionPayload{
		Code:    req.Code,
		Answer:  req.Answer,
		Attempt: req.Attempt,
	}, p.ID)
	l.svcCtx.RecordCommand(l.ctx, p, auth.RoleRequester, "intervention", id, err)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		l.Debugw("intervention refused", "request", logging.Ref(id), "remaining", res.AttemptsRemaining)
	}
	return &types.InterventionResponse{
		Success:           res.Success,
		Status:            lifecycle.Coarse(res.Status),
		AttemptsRemaining: res.AttemptsRemaining,
	}, nil
}
