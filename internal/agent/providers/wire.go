// Package providers contains the provider adapters and their shared HTTP
// transport.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/haasonsaas/conduit/internal/agent"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 60 * time.Second

	// maxFrameSize bounds a single SSE event or NDJSON line.
	maxFrameSize = 4 * 1024 * 1024

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 * 1024
)

// FrameJSON marks a frame that carries a whole non-streamed response body.
const FrameJSON = "json"

// StatusError is returned by Open when the provider answers with a non-2xx
// status.
type StatusError struct {
	Status int
	Header http.Header
	Body   []byte
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	if body == "" {
		return fmt.Sprintf("provider returned status %d", e.Status)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.Status, body)
}

// errReadTimeout is reported when a stream stays silent past the read timeout.
type errReadTimeout struct {
	after time.Duration
}

func (e errReadTimeout) Error() string {
	return fmt.Sprintf("stream read timeout after %s", e.after)
}
func (e errReadTimeout) Timeout() bool   { return true }
func (e errReadTimeout) Temporary() bool { return true }

var _ net.Error = errReadTimeout{}

// errorFields pulls the message, type/code and request id out of a JSON error
// body. Providers disagree on the envelope so several paths are probed.
func errorFields(body []byte) (message, code string) {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body)), ""
	}
	res := gjson.GetManyBytes(body,
		"error.message", "message", "error",
		"error.type", "error.code", "error.status", "type", "code",
	)
	for _, r := range res[:3] {
		if r.Type == gjson.String && r.String() != "" {
			message = r.String()
			break
		}
	}
	for _, r := range res[3:] {
		if r.Exists() && r.String() != "" && r.String() != "error" {
			code = r.String()
			break
		}
	}
	return message, code
}

// mapHTTPError is the MapError implementation shared by HTTP adapters.
func mapHTTPError(provider string, err error) *agent.Error {
	if err == nil {
		return nil
	}
	if e, ok := agent.AsError(err); ok {
		return e
	}
	var se *StatusError
	if errors.As(err, &se) {
		msg, code := errorFields(se.Body)
		out := agent.WrapError(provider, "", err).WithStatus(se.Status)
		if msg != "" {
			out.WithMessage(msg)
		}
		if code != "" {
			out.WithCode(code)
		}
		out.WithRetryAfter(agent.RetryAfterFromHeader(se.Header, time.Now()))
		out.WithRequestID(firstHeader(se.Header, "x-request-id", "request-id", "x-amzn-requestid", "x-goog-request-id"))
		return out
	}
	out := agent.WrapError(provider, "", err)
	if out.Kind == agent.KindUnknown {
		out.Kind = agent.KindTransport
	}
	return out
}

func firstHeader(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

var clientCache sync.Map // time.Duration -> *http.Client

// httpClient returns a client whose dialer honours the connect timeout.
// Clients are shared per timeout so connections are pooled.
func httpClient(cfg agent.ProviderConfig) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	if c, ok := clientCache.Load(connect); ok {
		return c.(*http.Client)
	}
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	client := &http.Client{Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connect,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}}
	actual, _ := clientCache.LoadOrStore(connect, client)
	return actual.(*http.Client)
}

// wireRequest describes one outbound provider call.
type wireRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   any
}

// openHTTP sends req and wraps the response in a FrameSource. Headers must
// arrive within connect+read timeout; afterwards the read timeout applies
// between frames.
func openHTTP(ctx context.Context, cfg agent.ProviderConfig, req wireRequest) (agent.FrameSource, error) {
	var body io.Reader
	switch b := req.Body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, agent.NewError(agent.KindInvalidRequest, "marshal request: "+err.Error())
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	reqCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, body)
	if err != nil {
		cancel()
		return nil, agent.NewError(agent.KindInvalidRequest, err.Error())
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	connect, read := timeouts(cfg)
	headerTimer := time.AfterFunc(connect+read, cancel)
	resp, err := httpClient(cfg).Do(httpReq)
	fired := !headerTimer.Stop()
	if err != nil {
		cancel()
		if fired && ctx.Err() == nil {
			return nil, errReadTimeout{after: connect + read}
		}
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}
	}

	return newBodySource(resp, cancel, read), nil
}

func timeouts(cfg agent.ProviderConfig) (connect, read time.Duration) {
	connect, read = cfg.ConnectTimeout, cfg.ReadTimeout
	if connect <= 0 {
		connect = defaultConnectTimeout
	}
	if read <= 0 {
		read = defaultReadTimeout
	}
	return connect, read
}

// framing is the response body encoding.
type framing int

const (
	framingJSON framing = iota
	framingSSE
	framingNDJSON
)

func detectFraming(resp *http.Response) framing {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		return framingSSE
	case "application/x-ndjson", "application/jsonl", "application/jsonlines", "application/stream+json":
		return framingNDJSON
	default:
		return framingJSON
	}
}

type frameOrErr struct {
	frame agent.Frame
	err   error
}

// bodySource reads frames from an HTTP body on a dedicated goroutine so that
// Next can enforce the idle read timeout and honour cancellation.
type bodySource struct {
	body        io.ReadCloser
	cancel      context.CancelFunc
	readTimeout time.Duration
	frames      chan frameOrErr
	done        chan struct{}
	closeOnce   sync.Once
}

func newBodySource(resp *http.Response, cancel context.CancelFunc, readTimeout time.Duration) *bodySource {
	s := &bodySource{
		body:        resp.Body,
		cancel:      cancel,
		readTimeout: readTimeout,
		frames:      make(chan frameOrErr),
		done:        make(chan struct{}),
	}
	go s.read(detectFraming(resp))
	return s
}

func (s *bodySource) send(f frameOrErr) bool {
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *bodySource) read(mode framing) {
	defer close(s.frames)

	var err error
	switch mode {
	case framingSSE:
		err = scanSSE(s.body, func(f agent.Frame) bool { return s.send(frameOrErr{frame: f}) })
	case framingNDJSON:
		err = scanLines(s.body, func(f agent.Frame) bool { return s.send(frameOrErr{frame: f}) })
	default:
		var data []byte
		data, err = io.ReadAll(io.LimitReader(s.body, maxFrameSize*4))
		if err == nil && len(bytes.TrimSpace(data)) > 0 {
			if !s.send(frameOrErr{frame: agent.Frame{Event: FrameJSON, Data: data}}) {
				return
			}
		}
	}
	if err == nil {
		err = io.EOF
	}
	s.send(frameOrErr{err: err})
}

// Next implements agent.FrameSource.
func (s *bodySource) Next(ctx context.Context) (agent.Frame, error) {
	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case f, ok := <-s.frames:
		if !ok {
			return agent.Frame{}, io.EOF
		}
		return f.frame, f.err
	case <-ctx.Done():
		s.Close()
		return agent.Frame{}, ctx.Err()
	case <-timer.C:
		s.Close()
		return agent.Frame{}, errReadTimeout{after: s.readTimeout}
	}
}

// Close implements agent.FrameSource.
func (s *bodySource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.body.Close()
	})
	return nil
}

// scanSSE splits a text/event-stream body into frames. Multi-line data fields
// are joined with newlines; comments and retry hints are ignored.
func scanSSE(r io.Reader, yield func(agent.Frame) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var event string
	var data []string
	flush := func() bool {
		if len(data) == 0 {
			event = ""
			return true
		}
		f := agent.Frame{Event: event, Data: []byte(strings.Join(data, "\n"))}
		event, data = "", data[:0]
		return yield(f)
	}

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(line, "data:")
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	flush()
	return nil
}

// scanLines splits a line-delimited JSON body into frames.
func scanLines(r io.Reader, yield func(agent.Frame) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !yield(agent.Frame{Data: append([]byte(nil), line...)}) {
			return nil
		}
	}
	return sc.Err()
}

// isDone reports the OpenAI-style end-of-stream sentinel.
func isDone(f agent.Frame) bool {
	return bytes.Equal(bytes.TrimSpace(f.Data), []byte("[DONE]"))
}

// streamError detects an error object embedded in a stream frame, as sent by
// OpenAI-compatible and Ollama servers after the response has started.
func streamError(provider string, data []byte) (*agent.Error, bool) {
	errField := gjson.GetBytes(data, "error")
	if !errField.Exists() || errField.Type == gjson.Null {
		return nil, false
	}
	msg, code := errorFields(data)
	if msg == "" {
		msg = errField.Raw
	}
	out := &agent.Error{Kind: agent.ClassifyError(errors.New(msg)), Provider: provider, Message: msg}
	if out.Kind == agent.KindUnknown {
		out.Kind = agent.KindProviderUnavailable
	}
	if code != "" {
		out.WithCode(code)
	}
	if status := gjson.GetBytes(data, "error.code"); status.Type == gjson.Number {
		out.WithStatus(int(status.Int()))
	}
	return out, true
}
