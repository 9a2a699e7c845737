// Package builtin provides the in-process tools that ship with conduit.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

// Tools returns every builtin tool keyed by name.
func Tools() map[string]pluginsdk.Tool {
	tools := []pluginsdk.Tool{Calculator(), CurrentTime(time.Now)}
	out := make(map[string]pluginsdk.Tool, len(tools))
	for _, t := range tools {
		out[t.Name] = t
	}
	return out
}

// CalculatorArgs are the operands of the calculator tool.
type CalculatorArgs struct {
	A float64 `json:"a" jsonschema:"description=First addend"`
	B float64 `json:"b" jsonschema:"description=Second addend"`
}

// CalculatorResult is the calculator output.
type CalculatorResult struct {
	Sum float64 `json:"sum"`
}

// Calculator adds two numbers.
func Calculator() pluginsdk.Tool {
	return pluginsdk.NewTool("calculator", "Add two numbers and return their sum.",
		func(_ context.Context, in CalculatorArgs) (CalculatorResult, error) {
			return CalculatorResult{Sum: in.A + in.B}, nil
		})
}

// CurrentTimeArgs select the zone and layout of the current_time tool.
type CurrentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone such as Europe/Paris. Defaults to UTC"`
	Layout   string `json:"layout,omitempty" jsonschema:"description=Go time layout. Defaults to RFC 3339"`
}

type CurrentTimeResult struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Unix     int64  `json:"unix"`
}

// CurrentTime reports the current time. now is injectable for tests.
func CurrentTime(now func() time.Time) pluginsdk.Tool {
	return pluginsdk.NewTool("current_time", "Return the current date and time in a time zone.",
		func(_ context.Context, in CurrentTimeArgs) (CurrentTimeResult, error) {
			zone := in.Timezone
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return CurrentTimeResult{}, pluginsdk.InvalidArguments("unknown time zone %q", in.Timezone)
			}
			layout := in.Layout
			if layout == "" {
				layout = time.RFC3339
			}
			t := now().In(loc)
			return CurrentTimeResult{Time: t.Format(layout), Timezone: loc.String(), Unix: t.Unix()}, nil
		})
}

// Describe renders a one-line summary used by `conduit tools`.
func Describe(t pluginsdk.Tool) string {
	return fmt.Sprintf("%-16s %s", t.Name, t.Description)
}
