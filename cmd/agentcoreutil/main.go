// Command agentcoreutil is a local test harness for the agent core: it
// boots an in-process fake target behind internal/dit/fakeproc, wires an
// internal/agentcore.Agent over it, and exposes a small cobra command
// tree for driving RPC operations by hand — the same role cmd/bd plays
// for steveyegge-beads' daemon, scaled down to one in-process target
// instead of a socket-connected daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracewire/agentcore/internal/agentcore"
	"github.com/tracewire/agentcore/internal/config"
	"github.com/tracewire/agentcore/internal/dit"
	"github.com/tracewire/agentcore/internal/dit/fakeproc"
	"github.com/tracewire/agentcore/internal/rpc"
)

var (
	rootCtx    context.Context
	rootCancel context.CancelFunc

	configPath string
	jsonOutput bool
	otelTrace  bool

	agent  *agentcore.Agent
	target *fakeproc.Target
)

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := rootCmd().ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, "agentcoreutil:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentcoreutil",
		Short: "Drive the in-process instrumentation agent core against a fake target",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bootstrap()
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file (optional)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", true, "print raw JSON responses")
	cmd.PersistentFlags().BoolVar(&otelTrace, "otel", false, "export dispatcher metrics/traces to stderr via the otel stdout exporters")

	cmd.AddCommand(callCmd(), demoCmd())
	return cmd
}

// bootstrap builds the demo fake target and wires an Agent over it. Every
// subcommand runs against the same fixture: a 4KB "libdemo.so" module
// containing one exported function "target_fn" whose body is two 1-byte
// nops followed by a ret.
func bootstrap() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	t := fakeproc.New("x64")
	base := dit.Address(0x400000)
	t.MapRange(base, 0x1000, dit.Protection{Read: true, Execute: true}, "libdemo.so")
	t.AddModule("libdemo.so", base, 0x1000, "/opt/demo/libdemo.so")

	fnAddr := base.Add(0x10)
	// nop; nop; ret
	if err := t.WriteAt(fnAddr, []byte{0x90, 0x90, 0xC3}); err != nil {
		return fmt.Errorf("seed demo function bytes: %w", err)
	}
	t.AddExport("libdemo.so", dit.Export{Name: "target_fn", Address: fnAddr, Type: "function"})
	t.AddSymbol("libdemo.so", dit.Symbol{Name: "target_fn", Address: fnAddr, ModuleName: "libdemo.so", FileName: "demo.c", LineNumber: 42})

	data := base.Add(0x800)
	t.MapRange(data, 0x100, dit.Protection{Read: true, Write: true}, "")
	t.AddExport("libdemo.so", dit.Export{Name: "g_counter", Address: data, Type: "variable"})

	meter, tracer, err := otelProviders()
	if err != nil {
		return fmt.Errorf("wire otel providers: %w", err)
	}
	a, err := agentcore.New(t.Toolkit(), cfg, meter, tracer)
	if err != nil {
		return fmt.Errorf("wire agent: %w", err)
	}
	agent = a
	target = t
	return nil
}

// otelProviders builds the dispatcher's metric/tracer handles. With --otel
// unset this is a pair of no-ops (the default, so "call" and "demo" output
// stays limited to RPC responses); with --otel it exports both metrics and
// spans to stderr via the same otel stdout exporters steveyegge-beads
// vendors the full SDK for, so every call through rootCmd exercises the
// dispatcher's tracing path alongside its already-wired metrics path.
func otelProviders() (metric.Meter, trace.Tracer, error) {
	if !otelTrace {
		return nil, nil, nil
	}
	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
	if err != nil {
		return nil, nil, fmt.Errorf("build stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))

	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, nil, fmt.Errorf("build stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))

	return mp.Meter("agentcoreutil"), tp.Tracer("agentcoreutil"), nil
}

func callCmd() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:   "call <operation>",
		Short: "Dispatch a single RPC operation with JSON-encoded arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if argsJSON != "" {
				raw = json.RawMessage(argsJSON)
			}
			resp := agent.Handle(cmd.Context(), rpc.Request{Operation: args[0], Args: raw})
			return printResponse(resp)
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "JSON-encoded argument object")
	return cmd
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted walk across enumeration, disassembly, hooks, scanning, and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context())
		},
	}
}

func runDemo(ctx context.Context) error {
	steps := []struct {
		op   string
		args string
	}{
		{rpc.OpGetEnv, ""},
		{rpc.OpListModules, ""},
		{rpc.OpListExports, `{"module":"libdemo.so"}`},
		{rpc.OpDisassembleFunction, `{"address":"0x400010"}`},
		{rpc.OpHookAttach, `{"address":"0x400010","on_enter":true,"on_leave":true,"log_args":true,"log_retval":true}`},
		{rpc.OpScanValue, `{"type":"int","value":0}`},
		{rpc.OpMetrics, ""},
	}
	for _, s := range steps {
		var raw json.RawMessage
		if s.args != "" {
			raw = json.RawMessage(s.args)
		}
		resp := agent.Handle(ctx, rpc.Request{Operation: s.op, Args: raw})
		fmt.Printf("--- %s ---\n", s.op)
		if err := printResponse(resp); err != nil {
			return err
		}
	}
	// Exercise the hook we just attached by simulating a call into the
	// target function.
	target.Call(dit.Address(0x400010), []dit.Address{0x1, 0x2}, 0)
	fmt.Println("--- events ---")
	for _, e := range target.Events() {
		b, _ := json.Marshal(e)
		fmt.Println(string(b))
	}
	return nil
}

func printResponse(resp rpc.Response) error {
	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
