package metadata

import (
	"fmt"
	"strings"
	"time"
)

// Trait is one ERC-721 style attribute. Value is a string or a number.
type Trait struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

// Document is the off-chain metadata convention referenced by metadataURI.
type Document struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Image       string  `json:"image"`
	ExternalURL string  `json:"external_url,omitempty"`
	Attributes  []Trait `json:"attributes"`
}

// Input is everything the derivation depends on. CreatedAt is explicit so
// the same input always yields the same document.
type Input struct {
	Mood          string
	ImageURL      string
	Seed          int64
	Collaborators []string
	ExternalURL   string
	CreatedAt     time.Time
}

const collectionName = "Mood Art Genesis"

var (
	namePrefixes = []string{"Essence of", "Spirit of", "Vision of", "Dream of", "Soul of"}
	nameSuffixes = []string{"Genesis", "Reflection", "Manifestation", "Expression", "Journey"}
)

type keywordRule struct {
	keywords []string
	values   []string
}

var emotionRules = []keywordRule{
	{[]string{"happy", "joy", "excited"}, []string{"Joyful", "High"}},
	{[]string{"sad", "melancholy", "blue"}, []string{"Melancholic", "Low"}},
	{[]string{"calm", "peaceful", "serene"}, []string{"Serene", "Balanced"}},
	{[]string{"angry", "furious", "rage"}, []string{"Intense", "Explosive"}},
}

var paletteRules = []keywordRule{
	{[]string{"red", "fire", "warm"}, []string{"Warm"}},
	{[]string{"blue", "cool", "cold"}, []string{"Cool"}},
	{[]string{"green", "nature", "forest"}, []string{"Natural"}},
}

var themeRules = []keywordRule{
	{[]string{"dog", "cat", "animal"}, []string{"Animal"}},
	{[]string{"nature", "forest", "mountain"}, []string{"Nature"}},
	{[]string{"love", "heart", "romance"}, []string{"Romance"}},
	{[]string{"space", "star", "cosmic"}, []string{"Cosmic"}},
}

// Generate derives the full metadata document.
func Generate(in Input) Document {
	traits := Traits(in.Mood, in.Seed, in.CreatedAt)
	if len(in.Collaborators) > 1 {
		traits = append(traits,
			Trait{TraitType: "Collaboration", Value: fmt.Sprintf("%d Artists", len(in.Collaborators))},
			Trait{TraitType: "Type", Value: "Collaborative"},
		)
	} else {
		traits = append(traits, Trait{TraitType: "Type", Value: "Solo"})
	}

	return Document{
		Name:        Name(in.Mood, in.Seed),
		Description: Description(in.Mood, len(in.Collaborators)),
		Image:       in.ImageURL,
		ExternalURL: in.ExternalURL,
		Attributes:  traits,
	}
}

// Traits maps mood keywords and the seed to attributes.
func Traits(mood string, seed int64, createdAt time.Time) []Trait {
	lower := strings.ToLower(mood)

	emotion := match(lower, emotionRules, []string{"Complex", "Variable"})
	palette := match(lower, paletteRules, []string{"Mixed"})
	theme := match(lower, themeRules, []string{"Abstract"})

	return []Trait{
		{TraitType: "Emotion", Value: emotion[0]},
		{TraitType: "Energy Level", Value: emotion[1]},
		{TraitType: "Color Palette", Value: palette[0]},
		{TraitType: "Theme", Value: theme[0]},
		{TraitType: "Rarity", Value: Rarity(seed)},
		{TraitType: "Generation", Value: createdAt.UTC().Format("2006-01-02")},
		{TraitType: "Seed", Value: seed},
	}
}

// Rarity buckets seed mod 100.
func Rarity(seed int64) string {
	switch chance := mod(seed, 100); {
	case chance < 5:
		return "Legendary"
	case chance < 15:
		return "Epic"
	case chance < 35:
		return "Rare"
	case chance < 65:
		return "Uncommon"
	default:
		return "Common"
	}
}

func Name(mood string, seed int64) string {
	prefix := namePrefixes[mod(seed, int64(len(namePrefixes)))]
	suffix := nameSuffixes[mod(seed*7, int64(len(nameSuffixes)))]

	words := strings.Fields(mood)
	if len(words) > 3 {
		words = words[:3]
	}
	return fmt.Sprintf("%s %s - %s #%d", prefix, strings.Join(words, " "), suffix, seed)
}

func Description(mood string, collaborators int) string {
	base := fmt.Sprintf("A unique AI-generated artwork born from the emotional expression: \"%s\". "+
		"This digital masterpiece captures the essence of human emotion and transforms it into visual poetry through advanced artificial intelligence.", mood)
	if collaborators > 1 {
		return fmt.Sprintf("%s\n\nThis piece represents a collaborative creation, where %d individuals contributed their emotional input to create this unified artistic vision.", base, collaborators)
	}
	return base + "\n\nEach piece in the " + collectionName + " collection is completely unique, generated from genuine human emotional expression and preserved forever on the blockchain."
}

func match(lower string, rules []keywordRule, fallback []string) []string {
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.values
			}
		}
	}
	return fallback
}

// mod is always non-negative so negative seeds still land in a bucket.
func mod(v, m int64) int64 {
	r := v % m
	if r < 0 {
		r += m
	}
	return r
}
