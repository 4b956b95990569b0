package stream

import (
	"context"
	"iter"
	"log/slog"
	"strings"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/shared"
)

// Generator produces response tokens for a conversation.
type Generator interface {
	Generate(ctx context.Context, conv domain.Conversation) iter.Seq2[string, error]
}

// Outcome summarizes a finished run.
type Outcome struct {
	Terminal ChunkType
	Text     string
	Tokens   int
	Kind     shared.ProviderErrorKind
	Err      error
}

// Emitter pulls tokens from a Generator and relays them to a Sink.
type Emitter struct {
	gen    Generator
	logger *slog.Logger
}

// NewEmitter creates an emitter.
func NewEmitter(gen Generator, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{gen: gen, logger: logger}
}

// Run relays one response. Tokens reach the sink in generation order, the
// signal is checked between tokens, and exactly one terminal marker is
// delivered through sink.Close before Run returns.
func (e *Emitter) Run(ctx context.Context, streamID string, conv domain.Conversation, sink Sink, sig *Signal) Outcome {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sig.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	var (
		text    strings.Builder
		seq     int
		genErr  error
		sinkErr error
	)

	for token, err := range e.gen.Generate(runCtx, conv) {
		if err != nil {
			genErr = err
			break
		}
		if sig.Requested() {
			break
		}
		if token == "" {
			continue
		}
		if err := sink.Send(runCtx, Token(streamID, seq, token)); err != nil {
			sinkErr = err
			break
		}
		text.WriteString(token)
		seq++
	}

	out := Outcome{Text: text.String(), Tokens: seq}
	var final Chunk

	switch {
	case sig.Requested():
		out.Terminal = ChunkCancelled
		final = Cancelled(streamID, seq)
	case ctx.Err() != nil:
		// Shutdown or an abandoned request.
		out.Terminal = ChunkCancelled
		out.Err = ctx.Err()
		final = Cancelled(streamID, seq)
	case sinkErr != nil:
		out.Terminal = ChunkCancelled
		out.Err = sinkErr
		final = Cancelled(streamID, seq)
		e.logger.Warn("Stream sink rejected token", "stream_id", streamID, "error", sinkErr)
	case genErr != nil:
		out.Terminal = ChunkError
		out.Kind = shared.ProviderKind(genErr)
		out.Err = genErr
		final = Failure(streamID, seq, out.Kind, errorMessage(out.Kind))
		e.logger.Warn("Provider failed mid-stream",
			"stream_id", streamID, "kind", out.Kind, "tokens", seq, "error", genErr)
	default:
		out.Terminal = ChunkCompleted
		final = Completed(streamID, seq)
	}

	sink.Close(final)
	return out
}

func errorMessage(kind shared.ProviderErrorKind) string {
	switch kind {
	case shared.KindTimeout:
		return "the model took too long to respond"
	case shared.KindRateLimited:
		return "the model is rate limited, try again shortly"
	case shared.KindUnavailable:
		return "the model is unavailable"
	default:
		return "the model returned an error"
	}
}
