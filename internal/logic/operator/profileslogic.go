package operator

import (
	"context"

	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/svc"
	"github.com/neboloop/signon/internal/types"
)

type ProfilesLogic struct {
	ctx    context.Context
	svcCtx *svc.ServiceContext
}

func NewProfilesLogic(ctx context.Context, svcCtx *svc.ServiceContext) *ProfilesLogic {
	return &ProfilesLogic{ctx: ctx, svcCtx: svcCtx}
}

func (l *ProfilesLogic) Profiles() (*types.ProfilesResponse, error) {
	return &types.ProfilesResponse{
		Profiles: l.svcCtx.Pool.Profiles(),
		Stats:    l.svcCtx.Pool.Stats(),
	}, nil
}

// Recycle closes a FREE or ERROR profile's browser and reopens it with
// clean state.
func (l *ProfilesLogic) Recycle(profileID string) (*types.RecycleResponse, error) {
	p, err := principal(l.ctx)
	if err != nil {
		return nil, err
	}
	err = l.svcCtx.Pool.Recycle(profileID)
	l.svcCtx.RecordCommand(l.ctx, p, auth.RoleOperator, "recycle_profile", "", err)
	if err != nil {
		return nil, err
	}
	return &types.RecycleResponse{ProfileID: profileID, Recycling: true}, nil
}
