package operator

import (
	"context"

	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

type AuditLogic struct {
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

// Inspect command audit records and live control-plane connections
func NewAuditLogic(ctx context.Context, svcCtx *svc.ServiceContext) *AuditLogic {
	return &AuditLogic{ctx: ctx, svcCtx: svcCtx}
}

func (l *AuditLogic) Commands(requestID string, limit int) (*types.CommandAuditResponse, error) {
	entries, err := l.svcCtx.Store.ListCommandAudit(l.ctx, requestID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []db.CommandAudit{}
	}
	return &types.CommandAuditResponse{Entries: entries}, nil
}

func (l *AuditLogic) Connections() (*types.ConnectionsResponse, error) {
	return &types.ConnectionsResponse{Connections: l.svcCtx.Hub.Connections()}, nil
}
