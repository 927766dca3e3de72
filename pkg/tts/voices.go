package tts

// ElevenLabsVoices maps friendly preset names to ElevenLabs voice IDs.
var ElevenLabsVoices = map[string]string{
	"charlotte": "XB0fDUnXU5powFXDhCwa", // British female, warm
	"aria":      "9BWtsMINqrJLrRacOk9x", // American female, expressive
	"sarah":     "EXAVITQu4vr4xnSDxMaL", // American female, soft
	"lily":      "pFZP5JQG7iQjIQuC4Bku", // British female, warm
	"rachel":    "21m00Tcm4TlvDq8ikWAM", // American female, calm
	"josh":      "TxGEqnHWrfWFTfGW9XjX", // American male, deep
	"adam":      "pNInz6obpgDQGcFmaJgB", // American male, deep
}

// DefaultElevenLabsVoice is the default voice preset.
const DefaultElevenLabsVoice = "charlotte"

// GoogleVoices maps preset names to Google Cloud voice names.
var GoogleVoices = map[string]string{
	"eva":    "en-US-Neural2-F",
	"jenny":  "en-US-Neural2-C",
	"oliver": "en-GB-Neural2-B",
	"amelia": "en-GB-Neural2-A",
}

// DefaultGoogleVoice is the default Google voice preset.
const DefaultGoogleVoice = "eva"

// ResolveElevenLabsVoice returns the voice ID for a preset name,
// or the input unchanged if it's already a voice ID.
func ResolveElevenLabsVoice(name string) string {
	if id, ok := ElevenLabsVoices[name]; ok {
		return id
	}
	return name
}

// ResolveGoogleVoice returns the voice name for a preset, or the input.
func ResolveGoogleVoice(name string) string {
	if id, ok := GoogleVoices[name]; ok {
		return id
	}
	return name
}
