// Package invoker holds transports for tierrouter deployments. Subpackages
// implement one wire protocol each; ByProvider picks between them.
package invoker

import (
	"context"
	"fmt"

	"github.com/ineyio/tierrouter"
)

// ByProvider returns an Invoker that dispatches on DeploymentCandidate.Provider.
// Candidates whose provider has no entry go to fallback; with a nil fallback
// they fail with ErrInvalidRequest.
func ByProvider(providers map[string]tierrouter.Invoker, fallback tierrouter.Invoker) tierrouter.Invoker {
	return func(ctx context.Context, c tierrouter.DeploymentCandidate, p tierrouter.Payload) (tierrouter.Result, error) {
		if inv, ok := providers[c.Provider]; ok {
			return inv(ctx, c, p)
		}
		if fallback != nil {
			return fallback(ctx, c, p)
		}
		return tierrouter.Result{}, fmt.Errorf("%w: no invoker for provider %q", tierrouter.ErrInvalidRequest, c.Provider)
	}
}
