// Command corevm-run is the minimal launcher collaborator: it parses
// the fixed CLI/environment surface, wires a corevm.Runtime, and runs
// prog_main on the initial thread. Argument parsing is intentionally
// thin (standard library flag only — see DESIGN.md for why no
// third-party CLI framework is wired here): this binary exists to
// exercise the runtime, not to be a polished developer tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"github.com/arborvm/corevm"
	"github.com/arborvm/corevm/internal/sched"
	"github.com/arborvm/corevm/internal/typedesc"
)

const (
	exitOK              = 0
	exitOutOfMemory     = 1
	exitInvariantFailed = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	workers := flag.Int("workers", runtime.NumCPU(), "fixed worker count (E)")
	sliceSize := flag.Int("slice-size", 4<<20, "default slice granule in bytes")
	generations := flag.Int("generations", 3, "GC generation count (max 254)")
	arrayGen := flag.Int("array-gen", 2, "minimum generation for large arrays")
	totalMemLimit := flag.Int64("total-mem-limit", 0, "global slice quota in bytes (0 = unlimited)")
	explicitHeapLimit := flag.Int64("explicit-heap-limit", 0, "explicit allocator quota in bytes (0 = unlimited)")
	gcHeapLimit := flag.Int64("gc-heap-limit", 0, "GC heap quota in bytes (0 = unlimited)")
	devLog := flag.Bool("dev-log", false, "use a human-readable development logger instead of JSON")
	flag.Parse()

	log, err := newLogger(*devLog)
	if err != nil {
		fmt.Fprintln(os.Stderr, "corevm-run: logger init failed:", err)
		return exitInvariantFailed
	}
	defer log.Sync()

	cfg := corevm.Config{
		Workers:           *workers,
		SliceSize:         *sliceSize,
		Generations:       uint8(*generations),
		ArrayGen:          uint8(*arrayGen),
		TotalMemLimit:     *totalMemLimit,
		ExplicitHeapLimit: *explicitHeapLimit,
		GCHeapLimit:       *gcHeapLimit,
	}

	rt, err := corevm.New(cfg, log, typedesc.Table{}, func(int) []*corevm.Object { return nil })
	if err != nil {
		log.Error("runtime init failed", zap.Error(err))
		return exitInvariantFailed
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	initial := sched.NewThread(0, nil)
	prog := noopProgMain

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx, prog, initial, flag.Args(), os.Environ()) }()

	select {
	case <-ctx.Done():
		_ = rt.Stop()
		<-errCh
		return exitOK
	case err := <-errCh:
		if err != nil {
			log.Error("scheduler exited with error", zap.Error(err))
			return exitInvariantFailed
		}
		return exitOK
	}
}

// noopProgMain stands in for the hosted-language guest entry point,
// which this binary does not itself supply — corevm-run's purpose is
// to exercise runtime startup/shutdown, not to host a real guest
// program.
func noopProgMain(t *sched.Thread, workerID int, args, env []string) {
	t.SetState(sched.StateTerm)
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
