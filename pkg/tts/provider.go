package tts

import (
	"context"
	"fmt"
)

// Provider names accepted by Open.
const (
	NameOpenAI     = "openai"
	NameElevenLabs = "elevenlabs"
	NameGoogle     = "google"
	NameMock       = "mock"
)

// Open creates the provider called name. On error the returned Provider
// is a nil interface.
func Open(ctx context.Context, name string, opts ...Option) (Provider, error) {
	switch name {
	case NameOpenAI, "":
		p, err := NewOpenAI(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case NameElevenLabs:
		p, err := NewElevenLabs(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case NameGoogle:
		p, err := NewGoogle(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case NameMock:
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("tts: unknown provider %q", name)
	}
}
