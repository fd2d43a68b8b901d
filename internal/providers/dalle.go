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

const defaultOpenAIBaseURL = "https://api.openai.com"

// DallE generates images via the OpenAI images API.
type DallE struct {
	apiKey  string
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewDallE creates the DallE provider. An empty apiKey produces a
// registered-but-disabled provider.
func NewDallE(apiKey string, logger *zap.Logger) *DallE {
	return &DallE{
		apiKey:  apiKey,
		baseURL: defaultOpenAIBaseURL,
		httpc:   newHTTPClient(),
		logger:  logger.Named("dalle"),
	}
}

// WithBaseURL overrides the API endpoint, for tests.
func (d *DallE) WithBaseURL(u string) *DallE {
	d.baseURL = u
	return d
}

func (d *DallE) Name() string { return models.ProviderDallE }

func (d *DallE) Enabled() bool { return d.apiKey != "" }

func (d *DallE) SupportedModels() []string {
	return []string{"dall-e-3", "dall-e-2"}
}

func (d *DallE) DescribeOptions() map[string]string {
	return map[string]string{
		"model":   "dall-e-3 | dall-e-2",
		"quality": "hd | standard",
		"style":   "vivid | natural",
	}
}

type dalleRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format"`
}

type dalleResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Generate renders the prompt through the OpenAI images endpoint. The API
// has no separate negative prompt field, so the negative terms are folded
// into the prompt as avoidance instructions.
func (d *DallE) Generate(ctx context.Context, prompt, negativePrompt string, req models.ProviderRequest) ([]byte, error) {
	if !d.Enabled() {
		return nil, disabledFailure(d.Name())
	}

	fullPrompt := prompt
	if negativePrompt != "" {
		fullPrompt = fmt.Sprintf("%s. Avoid: %s", prompt, negativePrompt)
	}

	body := dalleRequest{
		Model:          req.Model,
		Prompt:         fullPrompt,
		N:              1,
		Size:           "1024x1024",
		Quality:        req.Quality,
		Style:          req.Style,
		ResponseFormat: "b64_json",
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling dalle request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/v1/images/generations", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building dalle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpc.Do(httpReq)
	if err != nil {
		return nil, transportFailure(d.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		d.logger.Warn("DALL-E request rejected", zap.Int("status", resp.StatusCode))
		return nil, classifyHTTPStatus(d.Name(), resp.StatusCode)
	}

	var parsed dalleResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, models.NewFailure(models.KindProviderTransient, "dalle.Generate",
			fmt.Errorf("decoding response: %w", err))
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return nil, models.NewFailure(models.KindProviderTransient, "dalle.Generate",
			fmt.Errorf("response carried no image data"))
	}

	img, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return nil, models.NewFailure(models.KindProviderTransient, "dalle.Generate",
			fmt.Errorf("decoding image payload: %w", err))
	}

	d.logger.Debug("DALL-E image generated", zap.Int("bytes", len(img)), zap.String("model", req.Model))
	return img, nil
}
