package operator

import (
	"context"

	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

type CancelLogic struct {
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

// Cancel a queued or running request
func NewCancelLogic(ctx context.Context, svcCtx *svc.ServiceContext) *CancelLogic {
	return &CancelLogic{ctx: ctx, svcCtx: svcCtx}
}

func (l *CancelLogic) Cancel(id string) (*types.RequestResponse, error) {
	p, err := principal(l.ctx)
	if err != nil {
		return nil, err
	}
	r, err := l.svcCtx.Machine.Cancel(l.ctx, id, p.ID)
	l.svcCtx.RecordCommand(l.ctx, p, auth.RoleOperator, "cancel", id, err)
	if err != nil {
		return nil, err
	}
	return &types.RequestResponse{Request: r}, nil
}
