package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/wasm-usage-host/config"
	"github.com/wippyai/wasm-usage-host/dton"
	"github.com/wippyai/wasm-usage-host/host"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup runs before exit.
func run(args []string) int {
	fs := flag.NewFlagSet("usagehost", flag.ContinueOnError)
	var (
		configFile  = fs.String("config", "", "Host configuration file (.hcl or .json)")
		wasmFile    = fs.String("wasm", "", "Guest module to load")
		pages       = fs.Uint("pages", 0, "Memory pages to grow the -wasm guest to")
		usageName   = fs.String("call", "", "Usage to call")
		arg         = fs.String("arg", "", "JSON payload for -call")
		list        = fs.Bool("list", false, "List registered usages and exit")
		schema      = fs.Bool("schema", false, "Print the JSON Schema of the configuration file and exit")
		interactive = fs.Bool("i", false, "Interactive mode with TUI")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *schema {
		out, err := config.Schema()
		if err != nil {
			return fail(err)
		}
		fmt.Println(string(out))
		return 0
	}

	if *configFile == "" && *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: usagehost -wasm <guest.wasm> [-pages n] [-call usage] [-arg json]")
		fmt.Fprintln(os.Stderr, "       usagehost -config <host.hcl> [-list]")
		fmt.Fprintln(os.Stderr, "       usagehost -config <host.hcl> -i  (interactive mode)")
		fmt.Fprintln(os.Stderr, "       usagehost -schema")
		return 1
	}

	cfg := &config.Config{}
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadFile(*configFile); err != nil {
			return fail(err)
		}
	}
	if *wasmFile != "" {
		cfg.Guests = append(cfg.Guests, config.Guest{Path: *wasmFile, Pages: uint32(*pages)})
	}

	log, err := newLogger(cfg.Level(), *interactive)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	h, err := host.New(ctx, cfg.HostOptions(log)...)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := h.Close(ctx); err != nil {
			log.Warn("close host", zap.Error(err))
		}
	}()

	if err := cfg.LoadGuests(ctx, h); err != nil {
		return fail(err)
	}

	switch {
	case *interactive:
		err = runInteractive(ctx, h)
	case *list || *usageName == "":
		listUsages(h)
	default:
		err = call(ctx, h, *usageName, *arg)
	}
	if err != nil {
		return fail(err)
	}
	return 0
}

// newLogger logs human-readable output on a terminal and JSON otherwise.
// The TUI owns the screen, so only warnings get through while it runs.
func newLogger(level zapcore.Level, interactive bool) (*zap.Logger, error) {
	var cfg zap.Config
	if term.IsTerminal(int(os.Stderr.Fd())) {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if interactive && level < zapcore.WarnLevel {
		level = zapcore.WarnLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func listUsages(h *host.Host) {
	usages := h.Usages()
	if len(usages) == 0 {
		fmt.Println("No usages registered.")
		return
	}
	fmt.Printf("Usages:\n")
	for _, u := range usages {
		fmt.Printf("  %-32s slot %-4d %s\n", u.Name, u.Slot, u.Metadata.Text())
	}
}

func call(ctx context.Context, h *host.Host, name, arg string) error {
	payload, err := dton.FromJSON([]byte(arg))
	if err != nil {
		return fmt.Errorf("parse -arg: %w", err)
	}
	out := h.Call(ctx, name, payload)
	if out.IsEmpty() {
		fmt.Println("(empty)")
		return nil
	}
	text, err := out.JSON()
	if err != nil {
		return fmt.Errorf("render result: %w", err)
	}
	fmt.Println(string(text))
	return nil
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}
