package llmprovider

import (
	"context"
	"fmt"

	"github.com/kadirpekel/conductor/pkg/config"
)

// MakeModel builds the Provider named by cfg's current snapshot, read at
// call time rather than cached, so a live config override reaches the
// very next agent invocation. Every request sent through the returned
// Provider uses the snapshot's temperature.
func MakeModel(cfg *config.Config) (Provider, config.Snapshot, error) {
	snap := cfg.Snapshot()
	p, err := newProvider(snap.LLMProvider, snap.LLMModel)
	if err != nil {
		return nil, snap, err
	}
	return temperatureProvider{Provider: p, temperature: snap.LLMTemperature}, snap, nil
}

// temperatureProvider applies the configured temperature to every request.
type temperatureProvider struct {
	Provider
	temperature float64
}

func (p temperatureProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	req.Temperature = p.temperature
	return p.Provider.Stream(ctx, req)
}

func newProvider(provider, model string) (Provider, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicProvider(model, ""), nil
	case "openai":
		return NewOpenAIProvider(model, ""), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
