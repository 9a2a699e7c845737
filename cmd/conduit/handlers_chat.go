package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/pkg/models"
)

// =============================================================================
// Chat Command Handler
// =============================================================================

// runChat dispatches one prompt and streams the answer until the turn ends
// or the user interrupts it.
func runChat(cmd *cobra.Command, opts chatOptions, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	prompt, err := readPrompt(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, opts.configPath, opts.debug)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	provider, err := a.Provider(opts.provider, opts.model)
	if err != nil {
		return err
	}

	var conv models.Conversation
	if opts.system != "" {
		conv = append(conv, models.Message{Role: models.RoleSystem, Content: opts.system})
	}
	conv = append(conv, models.Message{Role: models.RoleUser, Content: prompt})

	tools := opts.tools
	if opts.allTools {
		tools = a.registry.Current().Names()
	}

	stream, err := a.dispatcher.Dispatch(ctx, agent.DispatchRequest{
		ConversationID: opts.conversationID,
		Conversation:   conv,
		EnabledTools:   tools,
		Provider:       provider,
	})
	if err != nil {
		return err
	}

	printer := &streamPrinter{
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		json:   opts.jsonOutput,
		fancy:  isTerminal(cmd.ErrOrStderr()),
	}
	if err := printer.Print(stream); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("interrupted")
	}
	return nil
}

// readPrompt takes the prompt from the argument or, when stdin is piped,
// from stdin.
func readPrompt(in io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		if prompt := strings.TrimSpace(args[0]); prompt != "" {
			return prompt, nil
		}
		return "", fmt.Errorf("prompt is empty")
	}
	if isTerminal(in) {
		return "", fmt.Errorf("prompt is required: pass it as an argument or pipe it on stdin")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt is empty")
	}
	return prompt, nil
}

// streamPrinter renders a delta stream. Model text goes to out; tool activity
// and diagnostics go to errOut.
type streamPrinter struct {
	out    io.Writer
	errOut io.Writer
	json   bool
	fancy  bool
}

// Print consumes stream until it closes and returns the terminal error, if any.
func (p *streamPrinter) Print(stream <-chan *agent.StreamDelta) error {
	var (
		failure *agent.Error
		usage   agent.Usage
		wrote   bool
	)
	enc := json.NewEncoder(p.out)

	for delta := range stream {
		if p.json {
			if err := enc.Encode(delta); err != nil {
				return err
			}
		}
		switch delta.Type {
		case agent.DeltaText:
			if !p.json {
				fmt.Fprint(p.out, delta.Text)
				wrote = true
			}
		case agent.DeltaUsage:
			usage.Add(*delta.Usage)
		case agent.DeltaEvent:
			if !p.json {
				p.event(delta.Event)
			}
		case agent.DeltaError:
			if delta.IsTerminal() {
				failure = delta.Err()
			} else if !p.json {
				fmt.Fprintf(p.errOut, "warning: %s\n", delta.Error.Message)
			}
		}
	}

	if !p.json && wrote {
		fmt.Fprintln(p.out)
	}
	if p.fancy && !p.json && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		fmt.Fprintf(p.errOut, "[%d prompt + %d completion tokens]\n", usage.PromptTokens, usage.CompletionTokens)
	}
	if failure != nil {
		return failure
	}
	return nil
}

func (p *streamPrinter) event(ev *models.RuntimeEvent) {
	if ev == nil {
		return
	}
	prefix := "tool"
	if p.fancy {
		prefix = "\033[2mtool\033[0m"
	}
	switch ev.Type {
	case models.EventToolStarted:
		fmt.Fprintf(p.errOut, "%s: calling %s\n", prefix, ev.ToolName)
	case models.EventToolCompleted:
		fmt.Fprintf(p.errOut, "%s: %s done\n", prefix, ev.ToolName)
	case models.EventToolFailed, models.EventToolTimeout:
		fmt.Fprintf(p.errOut, "%s: %s failed: %s\n", prefix, ev.ToolName, ev.Message)
	case models.EventRetrying:
		fmt.Fprintf(p.errOut, "retrying: %s\n", ev.Message)
	}
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
