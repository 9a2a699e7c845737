package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

const (
	defaultMaxOutputBytes = 4 << 20
	defaultKillGrace      = 2 * time.Second
	stderrTailBytes       = 2048
)

// ProcessExecutor runs every call in a fresh child process. The request is
// written to the child's stdin and one response is read from its stdout. The
// child is killed when the call is cancelled or times out.
type ProcessExecutor struct {
	Command string
	Args    []string
	// Env entries (KEY=VALUE) are set in the child environment.
	Env []string
	// InheritEnv names parent variables passed through to the child in
	// addition to PATH, HOME, TMPDIR, LANG and TZ. The rest of the parent
	// environment is not visible to the plugin.
	InheritEnv []string
	Dir        string
	// MaxOutputBytes caps stdout. Larger output is a failure.
	MaxOutputBytes int64
	// KillGrace is how long to wait for output pipes after the child is
	// killed.
	KillGrace time.Duration
	Logger    *slog.Logger
}

// Execute runs one request in a new child process. The child runs in its
// own process group, which is killed when ctx ends.
func (p *ProcessExecutor) Execute(ctx context.Context, req *pluginsdk.ExecRequest) (*pluginsdk.ExecResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode plugin request: %w", err)
	}

	limit := p.MaxOutputBytes
	if limit <= 0 {
		limit = defaultMaxOutputBytes
	}
	grace := p.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = childEnv(p.InheritEnv, append(append([]string(nil), p.Env...), pluginsdk.ProtocolEnv+"="+pluginsdk.ProtocolVersion))
	setProcessGroup(cmd)
	cmd.Stdin = bytes.NewReader(body)
	stdout := &cappedBuffer{limit: limit}
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = grace

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if stdout.overflow {
		return nil, fmt.Errorf("plugin output exceeds %d bytes", limit)
	}

	out := bytes.TrimSpace(stdout.buf.Bytes())
	if len(out) == 0 {
		if runErr != nil {
			return nil, fmt.Errorf("plugin process failed: %w%s", runErr, stderr.suffix())
		}
		return nil, fmt.Errorf("%w: plugin wrote no response%s", pluginsdk.ErrMalformedResponse, stderr.suffix())
	}
	resp, err := pluginsdk.DecodeResponse(out)
	if err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("plugin process failed: %w (%v)%s", runErr, err, stderr.suffix())
		}
		return nil, err
	}
	if runErr != nil && p.Logger != nil {
		p.Logger.Debug("plugin exited with error after responding", "command", p.Command, "error", runErr)
	}
	return resp, nil
}

// cappedBuffer stores up to limit bytes and discards the rest. It never
// fails a write so the child is not killed by a broken pipe.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - int64(b.buf.Len())
	if int64(len(p)) > room {
		b.overflow = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// tailBuffer keeps the last limit bytes written.
type tailBuffer struct {
	data  []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) suffix() string {
	text := strings.TrimSpace(string(b.data))
	if text == "" {
		return ""
	}
	return ": " + text
}
