package conversation

import (
	"github.com/teslashibe/go-voicebus/pkg/inference"
	"github.com/teslashibe/go-voicebus/pkg/sentence"
)

// tokenStream adapts an inference stream to the sentence buffer.
type tokenStream struct {
	s inference.Stream
}

func (t tokenStream) Recv() (sentence.Token, error) {
	chunk, err := t.s.Recv()
	if err != nil {
		return sentence.Token{}, err
	}
	return sentence.Token{Text: chunk.Delta, Final: chunk.Done}, nil
}

func (t tokenStream) Close() error { return t.s.Close() }
