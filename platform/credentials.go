package platform

import (
	"context"

	"github.com/usetally/tally/config"
)

// StaticResolver is a CredentialResolver backed by a fixed token map. Lookup
// order is tenant-specific ("tenant:platform") then platform-wide. A missing
// token surfaces as ErrReauthRequired so forwarding parks instead of
// retrying. Deployments with per-tenant OAuth swap in their own resolver.
type StaticResolver struct {
	tokens map[string]string
}

func NewStaticResolver(tokens map[string]string) *StaticResolver {
	return &StaticResolver{tokens: tokens}
}

// ResolverFromConfig builds a StaticResolver from the platform tokens in
// configuration.
func ResolverFromConfig(cnf *config.Configuration) *StaticResolver {
	tokens := make(map[string]string)
	if cnf.Forwarding.Meta.Token != "" {
		tokens[PlatformMeta] = cnf.Forwarding.Meta.Token
	}
	if cnf.Forwarding.GA4.Token != "" {
		tokens[PlatformGA4] = cnf.Forwarding.GA4.Token
	}
	return &StaticResolver{tokens: tokens}
}

func (r *StaticResolver) Resolve(_ context.Context, tenantID, platform string) (string, error) {
	if token, ok := r.tokens[tenantID+":"+platform]; ok {
		return token, nil
	}
	if token, ok := r.tokens[platform]; ok {
		return token, nil
	}
	return "", ErrReauthRequired
}
