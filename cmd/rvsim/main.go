package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"

	"github.com/rvsim/rv32i/internal/hart"
	"github.com/rvsim/rv32i/internal/loader"
	"github.com/rvsim/rv32i/internal/memory"
	"github.com/rvsim/rv32i/internal/trace"
	"github.com/rvsim/rv32i/internal/vm"
)

var (
	traceFlag = &cli.BoolFlag{
		Name:    "trace",
		Aliases: []string{"t"},
		Usage:   "emit a per-instruction trace line to stdout",
	}
	maxCyclesFlag = &cli.Uint64Flag{
		Name:  "max-cycles",
		Usage: "stop after this many executed instructions (0 = unbounded)",
	}
	memBaseFlag = &cli.Uint64Flag{
		Name:  "mem-base",
		Usage: "guest memory base address",
		Value: memory.DefaultBase,
	}
	memSizeFlag = &cli.Uint64Flag{
		Name:  "mem-size",
		Usage: "guest memory size in bytes",
		Value: 0x100000,
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "enable debug-level logging",
	}
	cpuProfileFlag = &cli.BoolFlag{
		Name:  "cpu-profile",
		Usage: "write a pprof CPU profile of the run to ./cpu.pprof",
	}
)

func run(cctx *cli.Context) error {
	lvl := log.LevelInfo
	if cctx.Bool(verboseFlag.Name) {
		lvl = log.LevelDebug
	}
	logger := log.NewLogger(log.LogfmtHandlerWithLevel(os.Stderr, lvl))

	if cctx.Bool(cpuProfileFlag.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}

	if cctx.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one ELF file argument, got %d", cctx.Args().Len())
	}
	elfPath := cctx.Args().First()

	base := uint32(cctx.Uint64(memBaseFlag.Name))
	size := uint32(cctx.Uint64(memSizeFlag.Name))

	img, mem, err := loader.Load(elfPath, base, size, logger)
	if err != nil {
		return err
	}
	logger.Info("loaded ELF image", "path", elfPath, "entry", fmtHex(img.Entry), "base", fmtHex(base), "size", fmtHex(size))

	h := hart.New(img.Entry)

	var tracer trace.Tracer = trace.NewNop()
	if cctx.Bool(traceFlag.Name) {
		tracer = trace.NewLineTracer(os.Stdout, img.SymbolAt)
	}

	exec, err := vm.New(h, mem, tracer)
	if err != nil {
		return fmt.Errorf("failed to construct executor: %w", err)
	}
	defer func() {
		if err := exec.Close(); err != nil {
			logger.Warn("failed to close executor file descriptors", "err", err)
		}
	}()

	maxCycles := cctx.Uint64(maxCyclesFlag.Name)

	for {
		select {
		case <-cctx.Context.Done():
			return cctx.Context.Err()
		default:
		}

		if maxCycles != 0 && h.CycleCount >= maxCycles {
			logger.Info("reached max-cycles limit", "cycles", h.CycleCount)
			return nil
		}

		res, err := exec.Step()
		if err != nil {
			return cli.Exit(fmt.Sprintf("simulator error at pc=%s: %v", fmtHex(h.FetchAddress), err), 1)
		}
		if res.Outcome == vm.Exited {
			logger.Info("program exited", "code", res.ExitCode, "cycles", h.CycleCount)
			return cli.Exit("", int(res.ExitCode))
		}
	}
}

// fmtHex renders a guest address the way the simulator's log lines and
// trace output do: zero-padded lowercase hex.
func fmtHex(v uint32) string { return fmt.Sprintf("0x%08x", v) }

// digest loads an ELF image into guest memory and prints the Keccak-256
// checksum of the resulting image, for detecting unintended corruption of
// a loaded program across runs.
func digest(cctx *cli.Context) error {
	if cctx.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one ELF file argument, got %d", cctx.Args().Len())
	}
	elfPath := cctx.Args().First()

	base := uint32(cctx.Uint64(memBaseFlag.Name))
	size := uint32(cctx.Uint64(memSizeFlag.Name))

	_, mem, err := loader.Load(elfPath, base, size, nil)
	if err != nil {
		return err
	}

	fmt.Printf("%x\n", mem.Digest())
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "rvsim"
	app.Usage = "RV32I functional simulator"
	app.Description = "Loads a statically-linked 32-bit RISC-V ELF executable and interprets it until HTIF exit, error, or cycle limit."
	app.ArgsUsage = "<elf-file>"
	app.Flags = []cli.Flag{
		traceFlag,
		maxCyclesFlag,
		memBaseFlag,
		memSizeFlag,
		verboseFlag,
		cpuProfileFlag,
	}
	app.Action = run
	app.Commands = []*cli.Command{
		{
			Name:      "digest",
			Usage:     "load an ELF image and print a Keccak-256 checksum of guest memory",
			ArgsUsage: "<elf-file>",
			Flags:     []cli.Flag{memBaseFlag, memSizeFlag},
			Action:    digest,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := app.RunContext(ctx, os.Args); err != nil {
		if errors.Is(err, ctx.Err()) {
			fmt.Fprintln(os.Stderr, "interrupted")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
