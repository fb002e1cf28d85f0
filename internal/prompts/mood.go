package prompts

import (
	"strings"
)

const MaxPromptLength = 512

// MaxMoodLength bounds the raw mood text accepted from a user.
const MaxMoodLength = 280

const qualitySuffix = "high quality"

// Style tunes the suffix appended to a mood before generation.
type Style int

const (
	StyleDefault Style = iota
	StyleDetailed
	StyleAbstract
)

// ParseStyle maps a request value to a Style, defaulting on anything unknown.
func ParseStyle(s string) Style {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "detailed":
		return StyleDetailed
	case "abstract":
		return StyleAbstract
	default:
		return StyleDefault
	}
}

func suffixFor(style Style) string {
	switch style {
	case StyleDetailed:
		return "high quality, detailed, sharp focus"
	case StyleAbstract:
		return "abstract expressionism, vivid color, high quality"
	default:
		return qualitySuffix
	}
}

// CleanMood collapses whitespace and bounds the mood to MaxMoodLength.
func CleanMood(mood string) string {
	mood = strings.Join(strings.Fields(mood), " ")
	return truncatePrompt(mood, MaxMoodLength)
}

// FromMood builds the positive prompt for a mood, e.g. "calm sea, high quality".
// The user's words win over the suffix when space runs out.
func FromMood(mood string, style Style) string {
	mood = CleanMood(mood)
	if mood == "" {
		return ""
	}

	suffix := suffixFor(style)
	if len(mood)+len(suffix)+2 <= MaxPromptLength {
		return mood + ", " + suffix
	}
	return truncatePrompt(mood, MaxPromptLength)
}

// truncatePrompt cuts at a word boundary when that keeps most of the text.
func truncatePrompt(prompt string, maxLen int) string {
	if len(prompt) <= maxLen {
		return prompt
	}

	truncated := prompt[:maxLen]
	lastSpace := strings.LastIndex(truncated, " ")

	if lastSpace > maxLen*2/3 {
		truncated = truncated[:lastSpace]
	}

	return strings.TrimRight(truncated, " ,.")
}
