package sentence

import (
	"context"
	"errors"
	"io"
	"strings"
)

// TokenStream is a finite, non-restartable sequence of tokens. Recv returns
// io.EOF once the stream ends without a final token.
type TokenStream interface {
	Recv() (Token, error)
	Close() error
}

// Status is the terminal state of a consumed stream.
type Status int

const (
	StatusCompleted Status = iota
	StatusInterrupted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusInterrupted:
		return "interrupted"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Response records what a Consume call accepted and emitted.
type Response struct {
	Status    Status
	Tokens    []Token
	Sentences []string
	Err       error
}

// Text joins every accepted token, trimmed.
func (r *Response) Text() string {
	var sb strings.Builder
	for _, t := range r.Tokens {
		sb.WriteString(t.Text)
	}
	return strings.TrimSpace(sb.String())
}

// Spoken joins the emitted sentences. For an interrupted response this is
// the part that reached synthesis.
func (r *Response) Spoken() string {
	return strings.Join(r.Sentences, " ")
}

// Consume reads stream until it ends, fails, or ctx is cancelled, passing
// every completed sentence to emit. ctx is checked before each token is
// accepted: once it is done no further sentence is emitted, the buffered
// partial is discarded and the stream is closed.
func Consume(ctx context.Context, stream TokenStream, buf *Buffer, emit func(string)) *Response {
	if buf == nil {
		buf = NewBuffer("")
	}
	resp := &Response{}
	defer stream.Close()

	for {
		if ctx.Err() != nil {
			return interrupted(resp, buf)
		}

		tok, err := stream.Recv()
		if ctx.Err() != nil {
			return interrupted(resp, buf)
		}
		if errors.Is(err, io.EOF) {
			tok, err = Token{Final: true}, nil
		}
		if err != nil {
			buf.Reset()
			resp.Status = StatusFailed
			resp.Err = err
			return resp
		}

		resp.Tokens = append(resp.Tokens, tok)
		if s, ok := buf.Add(tok); ok {
			resp.Sentences = append(resp.Sentences, s)
			emit(s)
		}
		if tok.Final {
			resp.Status = StatusCompleted
			return resp
		}
	}
}

func interrupted(resp *Response, buf *Buffer) *Response {
	buf.Reset()
	resp.Status = StatusInterrupted
	return resp
}
