package request

import (
	"context"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/auth"
	"github.com/neboloop/signon/internal/lifecycle"
	"github.com/neboloop/signon/internal/svc"
)

func principal(ctx context.Context) (auth.Principal, error) {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return auth.Principal{}, apperr.Unauthenticated("missing credentials")
	}
	return p, nil
}

// ownedRequest loads id and hides it from requesters who did not submit it.
func ownedRequest(ctx context.Context, svcCtx *svc.ServiceContext, p auth.Principal, id string) (lifecycle.Request, error) {
	req, err := svcCtx.Machine.Get(ctx, id)
	if err != nil {
		return lifecycle.Request{}, err
	}
	if !p.Has(auth.RoleOperator) && req.RequesterID != p.ID {
		return lifecycle.Request{}, apperr.NotFound("request %s not found", id)
	}
	return req, nil
}
