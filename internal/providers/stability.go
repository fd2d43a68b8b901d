package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

const defaultStabilityBaseURL = "https://api.stability.ai"

// Stability generates images via the Stability AI text-to-image API.
type Stability struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewStability creates the Stability provider.
func NewStability(apiKey string, logger *zap.Logger) *Stability {
	return &Stability{
		apiKey:  apiKey,
		baseURL: defaultStabilityBaseURL,
		httpc:   newHTTPClient(),
		logger:  logger.Named("stability"),
	}
}

// WithBaseURL overrides the API endpoint, for tests.
func (s *Stability) WithBaseURL(u string) *Stability {
	s.baseURL = u
	return s
}

func (s *Stability) Name() string { return models.ProviderStability }

func (s *Stability) Enabled() bool { return s.apiKey != "" }

func (s *Stability) SupportedModels() []string {
	return []string{models.StabilityDefaultModel}
}

func (s *Stability) DescribeOptions() map[string]string {
	return map[string]string{
		"style_preset": "pixel-art | anime | 3d-model | photographic | digital-art",
	}
}

type stabilityTextPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type stabilityRequest struct {
	TextPrompts []stabilityTextPrompt `json:"text_prompts"`
	CfgScale    float64               `json:"cfg_scale"`
	Height      int                   `json:"height"`
	Width       int                   `json:"width"`
	Samples     int                   `json:"samples"`
	StylePreset string                `json:"style_preset,omitempty"`
}

type stabilityResponse struct {
	Artifacts []struct {
		Base64 string `json:"base64"`
	} `json:"artifacts"`
}

func (s *Stability) Generate(ctx context.Context, prompt, negativePrompt string, req models.ProviderRequest) ([]byte, error) {
	if !s.Enabled() {
		return nil, disabledFailure(s.Name())
	}

	prompts := []stabilityTextPrompt{{Text: prompt, Weight: 1}}
	if negativePrompt != "" {
		prompts = append(prompts, stabilityTextPrompt{Text: negativePrompt, Weight: -1})
	}

	body := stabilityRequest{
		TextPrompts: prompts,
		CfgScale:    7,
		Height:      1024,
		Width:       1024,
		Samples:     1,
		StylePreset: req.StylePreset,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling stability request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/generation/%s/text-to-image", s.baseURL, models.StabilityDefaultModel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building stability request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpc.Do(httpReq)
	if err != nil {
		return nil, transportFailure(s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		s.logger.Warn("Stability request rejected", zap.Int("status", resp.StatusCode))
		return nil, classifyHTTPStatus(s.Name(), resp.StatusCode)
	}

	var parsed stabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, models.NewFailure(models.KindProviderTransient, "stability.Generate",
			fmt.Errorf("decoding response: %w", err))
	}
	if len(parsed.Artifacts) == 0 || parsed.Artifacts[0].Base64 == "" {
		return nil, models.NewFailure(models.KindProviderTransient, "stability.Generate",
			fmt.Errorf("response carried no artifacts"))
	}

	img, err := base64.StdEncoding.DecodeString(parsed.Artifacts[0].Base64)
	if err != nil {
		return nil, models.NewFailure(models.KindProviderTransient, "stability.Generate",
			fmt.Errorf("decoding image payload: %w", err))
	}

	s.logger.Debug("Stability image generated", zap.Int("bytes", len(img)), zap.String("style_preset", req.StylePreset))
	return img, nil
}
