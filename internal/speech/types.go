package speech

import (
	"context"
	"time"
)

// Artifact is a synthesized audio payload for one text/voice/language triple.
// It is shared read-only once produced.
type Artifact struct {
	CacheKey    string    `json:"cache_key"`
	Payload     []byte    `json:"-"`
	Format      string    `json:"format"`
	VoiceIDUsed string    `json:"voice_id_used"`
	Language    string    `json:"language"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Settings map a speaker's persona hints onto provider synthesis knobs.
type Settings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

// SynthesisRequest is the normalized request sent to a synthesis backend.
type SynthesisRequest struct {
	Text     string
	VoiceID  string
	Language string
	Settings Settings
}

// SynthesisResult is a backend's raw answer before caching.
type SynthesisResult struct {
	Audio  []byte
	Format string
}

// VoiceResolver picks a concrete voice for a speaker that did not select one
// explicitly. Resolution is idempotent: identical inputs always yield the
// same voice.
type VoiceResolver interface {
	Resolve(ctx context.Context, language, gender string) (string, error)
}
