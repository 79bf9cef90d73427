package request

import (
	"context"
	"time"

	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

type GetRequestLogic struct {
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

// Poll a request's status
func NewGetRequestLogic(ctx context.Context, svcCtx *svc.ServiceContext) *GetRequestLogic {
	return &GetRequestLogic{ctx: ctx, svcCtx: svcCtx}
}

// GetRequest returns the full request to operators and the coarse view to
// everyone else.
func (l *GetRequestLogic) GetRequest(id string) (any, error) {
	p, err := principal(l.ctx)
	if err != nil {
		return nil, err
	}
	r, err := ownedRequest(l.ctx, l.svcCtx, p, id)
	if err != nil {
		return nil, err
	}
	if p.Has(auth.RoleOperator) {
		return &types.RequestResponse{Request: r}, nil
	}
	resp := types.FromView(r.View(time.Now()))
	return &resp, nil
}
