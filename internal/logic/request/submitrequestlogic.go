package request

import (
	"context"

	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/lifecycle"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

type SubmitRequestLogic struct {
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

// Open a new automation request for the calling requester
func NewSubmitRequestLogic(ctx context.Context, svcCtx *svc.ServiceContext) *SubmitRequestLogic {
	return &SubmitRequestLogic{ctx: ctx, svcCtx: svcCtx}
}

func (l *SubmitRequestLogic) SubmitRequest(req *types.SubmitRequest) (*types.RequestStatusResponse, error) {
	p, err := principal(l.ctx)
	if err != nil {
		return nil, err
	}
	r, err := l.svcCtx.Machine.Submit(l.ctx, lifecycle.SubmitInput{
		RequesterID:    p.ID,
		TargetSite:     req.TargetSite,
		CredentialsRef: req.CredentialsRef,
		RequesterMeta:  req.RequesterMeta,
	})
	l.svcCtx.RecordCommand(l.ctx, p, auth.RoleRequester, "submit", r.ID, err)
	if err != nil {
		return nil, err
	}
	resp := types.FromView(r.View(r.UpdatedAt))
	return &resp, nil
}
