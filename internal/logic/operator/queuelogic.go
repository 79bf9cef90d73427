package operator

import (
	"context"

	"github.com/neboloop/signon/internal/lifecycle"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

type QueueLogic struct {
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

// List requests waiting on an operator, newest first
func NewQueueLogic(ctx context.Context, svcCtx *svc.ServiceContext) *QueueLogic {
	return &QueueLogic{ctx: ctx, svcCtx: svcCtx}
}

// Queue returns the review queue, or every live request when all is set.
func (l *QueueLogic) Queue(all bool) (*types.QueueResponse, error) {
	var reqs []lifecycle.Request
	if all {
		reqs = l.svcCtx.Machine.Active()
	} else {
		reqs = l.svcCtx.Machine.Queue()
	}
	if reqs == nil {
		reqs = []lifecycle.Request{}
	}
	return &types.QueueResponse{Requests: reqs, Total: len(reqs)}, nil
}
