package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// DefaultMaxMalformedChunks is the number of consecutive unparseable frames
// after which a stream is abandoned as incomplete.
const DefaultMaxMalformedChunks = 8

// NormalizerOptions configures a StreamNormalizer.
type NormalizerOptions struct {
	// Provider labels errors and log lines.
	Provider string

	// Model labels errors.
	Model string

	// MaxMalformed is the consecutive malformed frame limit.
	MaxMalformed int

	// Buffer is the output channel capacity.
	Buffer int

	Logger *slog.Logger
}

// StreamNormalizer turns one adapter transport into the canonical delta
// sequence.
//
// The sequence is lazy and non-restartable. It ends with exactly one terminal
// delta (finish or a non-malformed error) unless ctx is cancelled first, in
// which case delivery stops and the channel is closed.
type StreamNormalizer struct {
	adapter ProviderAdapter
	opts    NormalizerOptions
	logger  *slog.Logger
}

// NewStreamNormalizer creates a normalizer for adapter.
func NewStreamNormalizer(adapter ProviderAdapter, opts NormalizerOptions) *StreamNormalizer {
	if opts.MaxMalformed <= 0 {
		opts.MaxMalformed = DefaultMaxMalformedChunks
	}
	if opts.Provider == "" && adapter != nil {
		opts.Provider = string(adapter.Kind())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamNormalizer{
		adapter: adapter,
		opts:    opts,
		logger:  logger.With("component", "normalizer", "provider", opts.Provider),
	}
}

// Run starts reading src in a goroutine. src is closed when the returned
// channel is closed.
func (n *StreamNormalizer) Run(ctx context.Context, src FrameSource) <-chan *StreamDelta {
	out := make(chan *StreamDelta, n.opts.Buffer)
	go n.run(ctx, src, out)
	return out
}

func (n *StreamNormalizer) run(ctx context.Context, src FrameSource, out chan<- *StreamDelta) {
	defer close(out)
	defer src.Close()

	emit := func(d StreamDelta) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- &d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	st := NewChunkState()
	malformed := 0

	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				reason, ok := st.TakeFinish()
				if !ok {
					n.logger.Warn("stream closed without terminal event")
					reason = FinishIncomplete
				}
				emit(FinishDelta(reason))
				return
			}
			mapped := n.adapter.MapError(err)
			if mapped == nil {
				mapped = WrapError(n.opts.Provider, n.opts.Model, err)
			}
			mapped.WithProvider(n.opts.Provider, n.opts.Model)
			emit(ErrorDelta(mapped))
			return
		}

		deltas, err := n.adapter.ParseChunk(st, frame)
		if err != nil {
			malformed++
			n.logger.Warn("malformed chunk",
				"error", err,
				"event", frame.Event,
				"consecutive", malformed,
			)
			if !emit(ErrorDelta(MalformedChunk(n.opts.Provider, err))) {
				return
			}
			if malformed >= n.opts.MaxMalformed {
				emit(FinishDelta(FinishIncomplete))
				return
			}
			continue
		}
		malformed = 0

		for _, d := range deltas {
			if !emit(d) {
				return
			}
			if d.IsTerminal() {
				return
			}
		}
	}
}

// Normalize is shorthand for NewStreamNormalizer(adapter, opts).Run(ctx, src).
func Normalize(ctx context.Context, adapter ProviderAdapter, src FrameSource, opts NormalizerOptions) <-chan *StreamDelta {
	return NewStreamNormalizer(adapter, opts).Run(ctx, src)
}
