package config

import (
	"github.com/cotaudit/engine/internal/engineerr"
	"github.com/cotaudit/engine/internal/providers"
)

// BuildProvider constructs the Provider named modelName via its adapters
// entry. Unknown names or kinds are a ConfigError-class failure (§7): the
// caller should surface them immediately, with no retry.
func (c *EngineConfig) BuildProvider(modelName string) (providers.Provider, error) {
	ac, ok := c.Adapters[modelName]
	if !ok {
		return nil, engineerr.NewConfigError("no adapter configured for model %q", modelName)
	}

	pc := &providers.Config{
		Endpoint:    ac.Endpoint,
		APIKey:      ac.APIKey,
		Model:       ac.Model,
		MaxTokens:   ac.MaxTokens,
		Temperature: ac.Temperature,
	}

	switch ac.Kind {
	case "hosted-remote":
		return providers.NewHostedRemoteAdapter(pc), nil
	case "self-hosted":
		return providers.NewSelfHostedAdapter(pc), nil
	case "in-process":
		return providers.NewInProcessAdapter(pc, nil), nil
	default:
		return nil, engineerr.NewConfigError("unknown adapter kind %q for model %q", ac.Kind, modelName)
	}
}

// ApplyConcurrencyLimits pushes SemaphoreLimitRemote/SemaphoreLimitLocal
// into the providers package's shared semaphores (§5/§6).
func (c *EngineConfig) ApplyConcurrencyLimits() {
	providers.SetConcurrencyLimits(c.SemaphoreLimitRemote, c.SemaphoreLimitLocal)
}
