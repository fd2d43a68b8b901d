package providers

import (
	"fmt"
	"strings"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/models"
)

// DefaultNegativePrompt is applied whenever a request carries no negative
// prompt of its own.
const DefaultNegativePrompt = "blurry, low quality, deformed, extra limbs, watermark, text, signature"

// breedPrompts maps each known breed to its descriptive phrase. The breed
// set is closed; any other value is rejected before a task is created.
var breedPrompts = map[string]string{
	"Bengal":     "a fierce pixel art ninja cat with golden bengal markings and emerald eyes, crouched on a dojo rooftop",
	"Siamese":    "a sleek pixel art ninja cat with cream and seal-point fur, piercing blue eyes, wielding twin katanas",
	"Maine Coon": "a massive pixel art ninja cat with a shaggy brown mane and tufted ears, guarding a mountain shrine",
	"Calico":     "a nimble pixel art ninja cat with patchwork orange, black and white fur, mid-leap between pagoda roofs",
	"Sphynx":     "a mysterious hairless pixel art ninja cat with wrinkled skin and amber eyes, meditating in moonlight",
	"Shadow":     "a jet-black pixel art ninja cat dissolving into smoke and shadow, only glowing eyes visible",
	"Nyan":       "a legendary rainbow-trailing pixel art ninja cat streaking across a starry night sky",
	"Persian":    "an elegant pixel art ninja cat with long silver fur and a flowing battle cloak, in a cherry blossom garden",
	"Bombay":     "a sleek black pixel art ninja cat with copper eyes, stalking silently through bamboo",
	"Tabby":      "a scrappy pixel art ninja cat with grey striped fur and a torn ear, sharpening shuriken",
}

// KnownBreed reports whether the breed belongs to the closed set.
func KnownBreed(breed string) bool {
	_, ok := breedPrompts[breed]
	return ok
}

// Breeds returns the closed breed set, for diagnostics.
func Breeds() []string {
	out := make([]string, 0, len(breedPrompts))
	for b := range breedPrompts {
		out = append(out, b)
	}
	return out
}

// BuildPrompt assembles the base prompt from the breed template and any
// buyer-supplied extras. Unknown breeds are a boundary violation and
// never create a task.
func BuildPrompt(breed, promptExtras string) (string, error) {
	base, ok := breedPrompts[breed]
	if !ok {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownBreed, breed)
	}
	extras := strings.TrimSpace(promptExtras)
	if extras == "" {
		return base, nil
	}
	return base + ", " + extras, nil
}

// NegativePrompt returns the request's negative prompt or the default.
func NegativePrompt(req models.ProviderRequest) string {
	if strings.TrimSpace(req.NegativePrompt) != "" {
		return req.NegativePrompt
	}
	return DefaultNegativePrompt
}

// RarityTier derives the deterministic rarity tier recorded in metadata.
func RarityTier(breed string) string {
	switch breed {
	case "Nyan":
		return "legendary"
	case "Shadow", "Sphynx":
		return "epic"
	case "Bengal", "Maine Coon", "Persian":
		return "rare"
	default:
		return "common"
	}
}
