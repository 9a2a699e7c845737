package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/haasonsaas/conduit/pkg/pluginsdk"
)

const (
	testPluginEnv  = "CONDUIT_TEST_PLUGIN"
	testPIDFileEnv = "CONDUIT_TEST_PIDFILE"
)

// TestMain lets the test binary act as a sandboxed plugin process when
// started by ProcessExecutor with CONDUIT_TEST_PLUGIN set.
func TestMain(m *testing.M) {
	if mode := os.Getenv(testPluginEnv); mode != "" {
		os.Exit(runTestPlugin(mode))
	}
	os.Exit(m.Run())
}

func runTestPlugin(mode string) int {
	switch mode {
	case "serve":
		tb, err := pluginsdk.NewToolbox("test", "0.0.1", testSumTool(), testEnvTool(), testGetenvTool())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		if err := tb.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		return 0
	case "crash":
		fmt.Fprintln(os.Stderr, "fatal: plugin exploded")
		return 3
	case "garbage":
		fmt.Println("this is not a response")
		return 0
	case "hang":
		time.Sleep(time.Minute)
		return 0
	case "spawn":
		// Start a long-lived helper, record its pid, then hang.
		helper := exec.Command(os.Args[0], "-test.run=^$")
		helper.Env = []string{testPluginEnv + "=hang"}
		if err := helper.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		if err := os.WriteFile(os.Getenv(testPIDFileEnv), []byte(strconv.Itoa(helper.Process.Pid)), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		time.Sleep(time.Minute)
		return 0
	case "flood":
		chunk := make([]byte, 64<<10)
		for i := range chunk {
			chunk[i] = 'x'
		}
		for range 32 {
			_, _ = os.Stdout.Write(chunk)
		}
		return 0
	default:
		fmt.Fprintln(os.Stderr, "unknown test plugin mode", mode)
		return 2
	}
}

type sumArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func testSumTool() pluginsdk.Tool {
	return pluginsdk.NewTool("sum", "Adds two numbers", func(_ context.Context, in sumArgs) (map[string]float64, error) {
		return map[string]float64{"sum": in.A + in.B}, nil
	})
}

func testEnvTool() pluginsdk.Tool {
	return pluginsdk.Tool{
		Name:   "protocol",
		Schema: pluginsdk.EmptyObjectSchema,
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return os.Getenv(pluginsdk.ProtocolEnv), nil
		},
	}
}

type getenvArgs struct {
	Name string `json:"name"`
}

func testGetenvTool() pluginsdk.Tool {
	return pluginsdk.NewTool("getenv", "Reads a variable from the plugin environment", func(_ context.Context, in getenvArgs) (string, error) {
		return os.Getenv(in.Name), nil
	})
}

func testProcess(mode string) *ProcessExecutor {
	return &ProcessExecutor{
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     []string{testPluginEnv + "=" + mode},
	}
}
