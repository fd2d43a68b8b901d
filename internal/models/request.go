package models

// Provider names understood by the image provider registry. The fallback
// order after a non-retryable failure is fixed: requested provider first,
// then ProviderDallE, ProviderStability, ProviderHuggingFace, skipping
// providers already tried.
const (
	ProviderDallE       = "dalle"
	ProviderStability   = "stability"
	ProviderHuggingFace = "huggingface"
)

// ProviderRequest is the tagged option set for one generation request.
// Each provider consumes the subset of fields relevant to it; Normalize
// discards option values the named provider does not recognize so loose
// bags of properties never propagate into the pipeline.
type ProviderRequest struct {
	Provider       string `json:"provider"`
	Model          string `json:"model,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	StylePreset    string `json:"style_preset,omitempty"`
	PromptExtras   string `json:"prompt_extras,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

const (
	maxPromptExtrasLen   = 500
	maxNegativePromptLen = 1000
)

var dalleModels = map[string]bool{
	"dall-e-3": true,
	"dall-e-2": true,
}

var dalleQualities = map[string]bool{
	"hd":       true,
	"standard": true,
}

var dalleStyles = map[string]bool{
	"vivid":   true,
	"natural": true,
}

var stabilityPresets = map[string]bool{
	"pixel-art":    true,
	"anime":        true,
	"3d-model":     true,
	"photographic": true,
	"digital-art":  true,
}

const StabilityDefaultModel = "stable-diffusion-xl-1024-v1-0"

var huggingFaceModels = map[string]bool{
	"stabilityai/stable-diffusion-xl-base-1.0": true,
	"prompthero/openjourney":                   true,
	"runwayml/stable-diffusion-v1-5":           true,
}

// Normalize clamps free-text fields and drops option values that the
// selected provider does not document. Unknown providers fall back to
// dalle so a malformed request still has a deterministic entry point
// into the fallback chain.
func (r ProviderRequest) Normalize() ProviderRequest {
	out := r
	switch out.Provider {
	case ProviderDallE, ProviderStability, ProviderHuggingFace:
	default:
		out.Provider = ProviderDallE
	}

	switch out.Provider {
	case ProviderDallE:
		if !dalleModels[out.Model] {
			out.Model = "dall-e-3"
		}
		if !dalleQualities[out.Quality] {
			out.Quality = ""
		}
		if !dalleStyles[out.Style] {
			out.Style = ""
		}
		out.StylePreset = ""
	case ProviderStability:
		out.Model = StabilityDefaultModel
		if !stabilityPresets[out.StylePreset] {
			out.StylePreset = ""
		}
		out.Quality = ""
		out.Style = ""
	case ProviderHuggingFace:
		if !huggingFaceModels[out.Model] {
			out.Model = "stabilityai/stable-diffusion-xl-base-1.0"
		}
		out.Quality = ""
		out.Style = ""
		out.StylePreset = ""
	}

	if len(out.PromptExtras) > maxPromptExtrasLen {
		out.PromptExtras = out.PromptExtras[:maxPromptExtrasLen]
	}
	if len(out.NegativePrompt) > maxNegativePromptLen {
		out.NegativePrompt = out.NegativePrompt[:maxNegativePromptLen]
	}
	return out
}
