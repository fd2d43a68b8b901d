package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

const defaultHuggingFaceBaseURL = "https://api-inference.huggingface.co"

// HuggingFace generates images via the hosted inference API. Unlike the
// other providers it returns raw image bytes rather than a JSON envelope.
type HuggingFace struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewHuggingFace creates the HuggingFace provider.
func NewHuggingFace(apiKey string, logger *zap.Logger) *HuggingFace {
	return &HuggingFace{
		apiKey:  apiKey,
		baseURL: defaultHuggingFaceBaseURL,
		httpc:   newHTTPClient(),
		logger:  logger.Named("huggingface"),
	}
}

// WithBaseURL overrides the API endpoint, for tests.
func (h *HuggingFace) WithBaseURL(u string) *HuggingFace {
	h.baseURL = u
	return h
}

func (h *HuggingFace) Name() string { return models.ProviderHuggingFace }

func (h *HuggingFace) Enabled() bool { return h.apiKey != "" }

func (h *HuggingFace) SupportedModels() []string {
	return []string{
		"stabilityai/stable-diffusion-xl-base-1.0",
		"prompthero/openjourney",
		"runwayml/stable-diffusion-v1-5",
	}
}

func (h *HuggingFace) DescribeOptions() map[string]string {
	return map[string]string{
		"model": "stabilityai/stable-diffusion-xl-base-1.0 | prompthero/openjourney | runwayml/stable-diffusion-v1-5",
	}
}

type huggingFaceRequest struct {
	Inputs     string `json:"inputs"`
	Parameters struct {
		NegativePrompt string `json:"negative_prompt,omitempty"`
	} `json:"parameters"`
}

func (h *HuggingFace) Generate(ctx context.Context, prompt, negativePrompt string, req models.ProviderRequest) ([]byte, error) {
	if !h.Enabled() {
		return nil, disabledFailure(h.Name())
	}

	body := huggingFaceRequest{Inputs: prompt}
	body.Parameters.NegativePrompt = negativePrompt
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling huggingface request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.baseURL+"/models/"+req.Model, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building huggingface request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.httpc.Do(httpReq)
	if err != nil {
		return nil, transportFailure(h.Name(), err)
	}
	defer resp.Body.Close()

	// 503 from the inference API usually means the model is cold-loading;
	// that is transient and worth the retry budget.
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		h.logger.Warn("HuggingFace request rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("model", req.Model),
		)
		return nil, classifyHTTPStatus(h.Name(), resp.StatusCode)
	}

	img, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewFailure(models.KindProviderTransient, "huggingface.Generate",
			fmt.Errorf("reading image payload: %w", err))
	}
	if len(img) == 0 {
		return nil, models.NewFailure(models.KindProviderTransient, "huggingface.Generate",
			fmt.Errorf("response carried no image data"))
	}

	h.logger.Debug("HuggingFace image generated", zap.Int("bytes", len(img)), zap.String("model", req.Model))
	return img, nil
}
