package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// scriptSource replays frames and then ends with err, or io.EOF when err is
// nil. When hold is set it blocks after the last frame until ctx ends.
type scriptSource struct {
	frames []Frame
	err    error
	hold   bool

	pos    int
	closed atomic.Bool
}

func (s *scriptSource) Next(ctx context.Context) (Frame, error) {
	if s.pos < len(s.frames) {
		f := s.frames[s.pos]
		s.pos++
		return f, nil
	}
	if s.hold {
		<-ctx.Done()
		return Frame{}, ctx.Err()
	}
	if s.err != nil {
		return Frame{}, s.err
	}
	return Frame{}, io.EOF
}

func (s *scriptSource) Close() error {
	s.closed.Store(true)
	return nil
}

// deltas packs canonical deltas into one frame for scriptAdapter.
func deltas(ds ...StreamDelta) Frame {
	return Frame{Value: ds}
}

// badFrame makes scriptAdapter.ParseChunk fail.
func badFrame() Frame {
	return Frame{Value: errors.New("unparseable")}
}

// pendingFinish makes scriptAdapter.ParseChunk defer a finish reason.
type pendingFinish string

// scriptAdapter is a ProviderAdapter whose frames already hold deltas. Each
// Open call takes the next source from open.
type scriptAdapter struct {
	caps Capabilities

	mu       sync.Mutex
	open     func(call int, req *ProviderRequest) (FrameSource, error)
	calls    int
	requests []*ProviderRequest
}

func (a *scriptAdapter) Kind() ProviderKind { return ProviderOpenAI }

func (a *scriptAdapter) Capabilities() Capabilities { return a.caps }

func (a *scriptAdapter) TranslateRequest(req *ProviderRequest) (any, error) { return req, nil }

func (a *scriptAdapter) Open(_ context.Context, _ ProviderConfig, req *ProviderRequest) (FrameSource, error) {
	a.mu.Lock()
	call := a.calls
	a.calls++
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	return a.open(call, req)
}

func (a *scriptAdapter) ParseChunk(st *ChunkState, frame Frame) ([]StreamDelta, error) {
	switch v := frame.Value.(type) {
	case []StreamDelta:
		return v, nil
	case error:
		return nil, v
	case pendingFinish:
		st.SetFinish(string(v))
	}
	return nil, nil
}

func (a *scriptAdapter) MapError(err error) *Error {
	if e, ok := AsError(err); ok {
		return e
	}
	return WrapError("", "", err)
}

func (a *scriptAdapter) Requests() []*ProviderRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*ProviderRequest(nil), a.requests...)
}

func drain(ch <-chan *StreamDelta) []*StreamDelta {
	var out []*StreamDelta
	for d := range ch {
		out = append(out, d)
	}
	return out
}
