// Package operator holds the operator-facing request and profile logic.
package operator

import (
	"context"

	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/auth"
)

func principal(ctx context.Context) (auth.Principal, error) {
	p, ok := auth.FromContext(ctx)
	if !ok {
		return auth.Principal{}, apperr.Unauthenticated("missing credentials")
	}
	return p, nil
}
