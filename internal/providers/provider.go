package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

// ImageProvider is the capability set every image backend implements.
type ImageProvider interface {
	// Name returns the registry key (dalle, stability, huggingface).
	Name() string

	// Generate produces raw image bytes for the prompt, or a classified
	// Failure describing how the pipeline should react.
	Generate(ctx context.Context, prompt, negativePrompt string, req models.ProviderRequest) ([]byte, error)

	// DescribeOptions documents the option fields this provider consumes.
	DescribeOptions() map[string]string

	// SupportedModels lists the model identifiers this provider accepts.
	SupportedModels() []string

	// Enabled reports whether the provider has a credential configured.
	// A disabled provider classifies every request as unavailable so the
	// fallback order routes around it immediately.
	Enabled() bool
}

const defaultHTTPTimeout = 110 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// classifyHTTPStatus maps a provider HTTP status to a failure kind using
// the shared taxonomy: 429 retries with backoff, 5xx retries briefly,
// 4xx request errors trigger fallback, auth errors mean the provider is
// unusable as configured.
func classifyHTTPStatus(provider string, status int) *models.Failure {
	op := provider + ".Generate"
	switch {
	case status == http.StatusTooManyRequests:
		return models.NewFailure(models.KindProviderRateLimited, op, fmt.Errorf("HTTP %d", status))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.NewFailure(models.KindProviderUnavailable, op, fmt.Errorf("HTTP %d", status))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return models.NewFailure(models.KindProviderInvalidRequest, op, fmt.Errorf("HTTP %d", status))
	case status >= 500:
		return models.NewFailure(models.KindProviderTransient, op, fmt.Errorf("HTTP %d", status))
	default:
		return models.NewFailure(models.KindProviderInvalidRequest, op, fmt.Errorf("unexpected HTTP %d", status))
	}
}

// transportFailure classifies a transport-level error (timeout, reset).
func transportFailure(provider string, err error) *models.Failure {
	return models.NewFailure(models.KindProviderTransient, provider+".Generate", err)
}

// disabledFailure is returned by providers with no configured credential.
func disabledFailure(provider string) *models.Failure {
	return models.NewFailure(models.KindProviderUnavailable, provider+".Generate",
		fmt.Errorf("no API key configured"))
}
