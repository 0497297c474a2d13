package llm

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/testpilot-io/testpilot/pkg/config"
)

// ProvidersFromConfig builds providers in priority order. Providers without
// an API key are left out.
func ProvidersFromConfig(log logrus.FieldLogger, cfg *config.LLMConfig, client *http.Client) []Provider {
	providers := make([]Provider, 0, len(cfg.Priority))

	for _, id := range cfg.Priority {
		switch id {
		case config.ProviderOpenAI:
			if cfg.OpenAI.APIKey == "" {
				log.WithField("provider", id).Info("No API key configured, provider disabled")

				continue
			}

			providers = append(providers,
				NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL, client))
		case config.ProviderGoogle:
			if cfg.Google.APIKey == "" {
				log.WithField("provider", id).Info("No API key configured, provider disabled")

				continue
			}

			providers = append(providers,
				NewGoogle(cfg.Google.APIKey, cfg.Google.Model, cfg.Google.BaseURL, client))
		default:
			log.WithField("provider", id).Warn("Unknown provider in priority list, skipping")
		}
	}

	return providers
}

// NewChainFromConfig builds the provider chain described by cfg.
func NewChainFromConfig(log logrus.FieldLogger, cfg *config.LLMConfig, observer Observer) *Chain {
	providers := ProvidersFromConfig(log, cfg, &http.Client{})

	return NewChain(log, providers, OptionsFromConfig(cfg, observer))
}

// OptionsFromConfig maps LLM settings onto chain options.
func OptionsFromConfig(cfg *config.LLMConfig, observer Observer) ChainOptions {
	return ChainOptions{
		CallTimeout:     cfg.CallTimeout,
		BreakerEnabled:  cfg.Breaker.Enabled,
		BreakerFailures: cfg.Breaker.Failures,
		BreakerCooldown: cfg.Breaker.Cooldown,
		Observer:        observer,
	}
}
