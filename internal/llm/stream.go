package llm

import (
	"context"

	"github.com/fipso/contextchat/internal/thinking"
	"go.uber.org/zap"
)

// Stream delivers the reply text of one completion chunk by chunk. Chunks
// arrive in generation order; the parsed result is available once Next has
// returned false.
//
// A Stream is consumed by a single goroutine.
type Stream struct {
	chunks chan string
	cancel context.CancelFunc

	current  string
	finished bool

	// written before chunks is closed
	result *Completion
	err    error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		chunks: make(chan string),
		cancel: cancel,
	}
}

// Next advances to the next chunk. It returns false when the stream is done.
func (s *Stream) Next() bool {
	if s.finished {
		return false
	}
	chunk, ok := <-s.chunks
	if !ok {
		s.finished = true
		s.current = ""
		return false
	}
	s.current = chunk
	return true
}

// Chunk returns the chunk read by the last call to Next.
func (s *Stream) Chunk() string {
	return s.current
}

// Result returns the parsed completion, or ErrStreamIncomplete while chunks
// are still pending.
func (s *Stream) Result() (*Completion, error) {
	if !s.finished {
		return nil, ErrStreamIncomplete
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// Thinking returns the parsed thinking of the reply.
func (s *Stream) Thinking() (thinking.Thinking, error) {
	res, err := s.Result()
	if err != nil {
		return thinking.Thinking{}, err
	}
	return res.Thinking, nil
}

// Err returns the failure that ended the stream, if any.
func (s *Stream) Err() error {
	if !s.finished {
		return nil
	}
	return s.err
}

// Close abandons the stream and releases its goroutine.
func (s *Stream) Close() {
	s.cancel()
	for range s.chunks {
	}
	s.finished = true
}

func (s *Stream) run(ctx context.Context, transports []Transport, req Request, logger *zap.Logger) {
	defer close(s.chunks)
	defer s.cancel()

	emit := func(text string) bool {
		if text == "" {
			return true
		}
		select {
		case s.chunks <- text:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for i, t := range transports {
		extractor := thinking.NewResponseExtractor()
		emitted := false
		aborted := false

		raw, err := t.Stream(ctx, req, func(delta string) {
			if aborted {
				return
			}
			out := extractor.Feed(delta)
			if out == "" {
				return
			}
			emitted = true
			if !emit(out) {
				aborted = true
			}
		})
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err == nil {
			if rest := extractor.Flush(); rest != "" && !emit(rest) {
				s.err = ctx.Err()
				return
			}
			s.result = completionFrom(raw, t.Name())
			return
		}

		// Falling back after text was shown would duplicate it.
		if !emitted && i+1 < len(transports) && IsFallbackEligible(err) {
			logger.Warn("stream transport failed, falling back",
				zap.String("transport", t.Name()),
				zap.String("next", transports[i+1].Name()),
				zap.Error(err))
			continue
		}
		s.err = err
		return
	}
}
