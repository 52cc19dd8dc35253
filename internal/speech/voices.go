package speech

import (
	"context"
	"strings"

	"github.com/emvazquez/agora/internal/session"
)

// defaultVoices maps "language/gender" to a safe premade voice. The bare
// language key is the fallback when no gendered entry exists.
var defaultVoices = map[string]string{
	"en":        "EXAVITQu4vr4xnSDxMaL",
	"en/male":   "TxGEqnHWrfWFTfGW9XjX",
	"en/female": "EXAVITQu4vr4xnSDxMaL",
	"it":        "W71zT1VwIFFx3mMGH2uZ",
	"es":        "VmejBeYhbrcTPwDniox7",
	"de":        "uvysWDLbKpA4XvpD3GI6",
	"fr":        "Qrl71rx6Yg8RvyPYRGCQ",
}

const fallbackVoiceID = "EXAVITQu4vr4xnSDxMaL"

// StaticResolver resolves default voices from a fixed language/gender table.
// Identical inputs always resolve to the same voice.
type StaticResolver struct {
	overrides map[string]string
}

func NewStaticResolver(overrides map[string]string) *StaticResolver {
	return &StaticResolver{overrides: overrides}
}

func (r *StaticResolver) Resolve(_ context.Context, language, gender string) (string, error) {
	return DefaultVoiceFor(r.overrides, language, gender), nil
}

// DefaultVoiceFor returns the safe default voice for a language/gender pair.
func DefaultVoiceFor(overrides map[string]string, language, gender string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		lang = "en"
	}
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	g := strings.ToLower(strings.TrimSpace(gender))

	lookup := func(m map[string]string) (string, bool) {
		if m == nil {
			return "", false
		}
		if g != "" {
			if v, ok := m[lang+"/"+g]; ok {
				return v, true
			}
		}
		v, ok := m[lang]
		return v, ok
	}

	if v, ok := lookup(overrides); ok {
		return v
	}
	if v, ok := lookup(defaultVoices); ok {
		return v
	}
	return fallbackVoiceID
}

// SettingsForSpeaker maps persona hints on the voice profile to synthesis
// knobs, clamped to provider-safe ranges.
func SettingsForSpeaker(sp session.Speaker) Settings {
	speed := sp.Voice.SpeakingRate
	if speed <= 0 {
		speed = 1.0
	}
	if speed < 0.7 {
		speed = 0.7
	} else if speed > 1.2 {
		speed = 1.2
	}

	// Warmer personas get a slightly less stable, more expressive delivery.
	stability := 0.55
	if sp.Voice.Warmth > 0 {
		stability = 0.55 - 0.25*clamp01(sp.Voice.Warmth)
	}

	return Settings{
		Stability:       stability,
		SimilarityBoost: 0.85,
		Speed:           speed,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
