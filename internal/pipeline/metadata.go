package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/Shaund12/pixelninjakitties-sub000/internal/ipfs"
	"github.com/Shaund12/pixelninjakitties-sub000/internal/providers"
)

// Attribute is one display trait in the token metadata.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// Metadata is the token metadata document committed to IPFS. Field order
// is fixed by the struct so the serialized document is deterministic for
// a given task.
type Metadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Image       string      `json:"image"`
	Attributes  []Attribute `json:"attributes"`
	NinjaData   NinjaData   `json:"ninja_data"`
}

// NinjaData carries collection-specific extensions.
type NinjaData struct {
	Rarity Rarity `json:"rarity"`
}

// Rarity records the deterministic tier derived from the breed.
type Rarity struct {
	Tier string `json:"tier"`
}

// BuildMetadata assembles the metadata document for a minted token. The
// image CID must already be pinned; the document embeds its ipfs:// URI.
func BuildMetadata(tokenID uint64, breed, provider, imageCID string) (*Metadata, string, error) {
	md := &Metadata{
		Name:        fmt.Sprintf("Pixel Ninja Kitty #%d", tokenID),
		Description: fmt.Sprintf("A %s ninja cat of the Pixel Ninja Kitties clan, forged on-chain and rendered by AI.", breed),
		Image:       ipfs.ToURI(imageCID),
		Attributes: []Attribute{
			{TraitType: "Breed", Value: breed},
			{TraitType: "Generator", Value: provider},
		},
		NinjaData: NinjaData{
			Rarity: Rarity{Tier: providers.RarityTier(breed)},
		},
	}

	raw, err := json.Marshal(md)
	if err != nil {
		return nil, "", fmt.Errorf("marshalling metadata: %w", err)
	}
	return md, string(raw), nil
}
