package providers

import (
	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

// fallbackOrder is the fixed provider sequence tried after a non-retryable
// failure: requested provider first, then this order minus anything
// already tried.
var fallbackOrder = []string{models.ProviderDallE, models.ProviderStability, models.ProviderHuggingFace}

// Registry holds the configured image providers and answers fallback
// ordering questions for the stage executor.
type Registry struct {
	providers map[string]ImageProvider
	logger    *zap.Logger
}

// NewRegistry builds the registry over the three known providers.
func NewRegistry(dalle, stability, huggingface ImageProvider, logger *zap.Logger) *Registry {
	r := &Registry{
		providers: map[string]ImageProvider{
			dalle.Name():       dalle,
			stability.Name():   stability,
			huggingface.Name(): huggingface,
		},
		logger: logger.Named("registry"),
	}
	for name, p := range r.providers {
		if !p.Enabled() {
			logger.Warn("Image provider has no credential configured; it will be skipped via fallback",
				zap.String("provider", name))
		}
	}
	return r
}

// Get returns the provider registered under the given name.
func (r *Registry) Get(name string) (ImageProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// FallbackChain returns the providers to attempt for a request, starting
// with the requested provider and continuing through the fixed fallback
// order without repeats. Unknown names just yield the fixed order.
func (r *Registry) FallbackChain(requested string) []ImageProvider {
	seen := make(map[string]bool, len(fallbackOrder))
	chain := make([]ImageProvider, 0, len(fallbackOrder))

	appendProvider := func(name string) {
		if seen[name] {
			return
		}
		if p, ok := r.providers[name]; ok {
			chain = append(chain, p)
			seen[name] = true
		}
	}

	appendProvider(requested)
	for _, name := range fallbackOrder {
		appendProvider(name)
	}
	return chain
}
