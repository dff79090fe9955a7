package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"

	"github.com/sarchlab/osvm/datarecording"
	"github.com/sarchlab/osvm/mem/blockdev"
	"github.com/sarchlab/osvm/mem/vm"
	"github.com/sarchlab/osvm/monitoring"
	"github.com/sarchlab/osvm/tracing"
	"github.com/sarchlab/osvm/workload"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// plan says which workloads a run starts.
type plan struct {
	TouchProcs  int
	TouchPages  int
	TouchRounds int
	ForkProcs   int
	ForkPages   int
	SbrkProcs   int
	SbrkPages   int
}

func (p plan) workloads() []workload.Workload {
	var list []workload.Workload

	for i := 0; i < p.TouchProcs; i++ {
		list = append(list,
			workload.Touch{Pages: p.TouchPages, Rounds: p.TouchRounds})
	}

	for i := 0; i < p.ForkProcs; i++ {
		list = append(list, workload.Fork{Pages: p.ForkPages})
	}

	for i := 0; i < p.SbrkProcs; i++ {
		list = append(list, workload.Sbrk{Pages: p.SbrkPages})
	}

	return list
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the VM system and run workloads on it.",
	RunE: func(c *cobra.Command, _ []string) error {
		envFile, _ := c.Flags().GetString("env")

		cfg, err := loadConfig(envFile)
		if err != nil {
			return err
		}

		applyFlags(c, &cfg)

		p := plan{}
		p.TouchProcs, _ = c.Flags().GetInt("touch")
		p.TouchPages, _ = c.Flags().GetInt("touch-pages")
		p.TouchRounds, _ = c.Flags().GetInt("rounds")
		p.ForkProcs, _ = c.Flags().GetInt("fork")
		p.ForkPages, _ = c.Flags().GetInt("fork-pages")
		p.SbrkProcs, _ = c.Flags().GetInt("sbrk")
		p.SbrkPages, _ = c.Flags().GetInt("sbrk-pages")
		wait, _ := c.Flags().GetBool("wait")

		return run(cfg, p, c.OutOrStdout(), wait)
	},
}

func init() {
	addMachineFlags(runCmd)

	f := runCmd.Flags()
	f.Int("touch", 2, "Number of Touch processes.")
	f.Int("touch-pages", 128, "Data pages of each Touch process.")
	f.Int("rounds", 2, "Rounds of each Touch process.")
	f.Int("fork", 1, "Number of Fork processes.")
	f.Int("fork-pages", 32, "Data pages of each Fork process.")
	f.Int("sbrk", 1, "Number of Sbrk processes.")
	f.Int("sbrk-pages", 32, "Heap pages of each Sbrk process.")
	f.Bool("wait", false,
		"Keep the monitor running after the workloads finish.")

	rootCmd.AddCommand(runCmd)
}

// machine is a booted system with the collectors attached to it.
type machine struct {
	sys     *vm.System
	kernel  *workload.Kernel
	counter *tracing.CountTracer
	monitor *monitoring.Monitor
	closers []func()
}

// shutdown flushes the recordings and closes the swap file.
func (m *machine) shutdown() {
	for i := len(m.closers) - 1; i >= 0; i-- {
		m.closers[i]()
	}

	m.closers = nil
}

// boot builds the system described by cfg. Failing to open the swap file is
// not fatal; the system then runs without swap.
func boot(cfg config, logOut io.Writer) (*machine, error) {
	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	builder := vm.MakeBuilder().
		WithNumFrames(cfg.RAMPages).
		WithReservedFrames(cfg.ReservedPages).
		WithNumCPUs(cfg.CPUs)

	var closers []func()

	if cfg.SwapPath != "" {
		dev, err := blockdev.OpenFile(cfg.SwapPath,
			int64(cfg.SwapPages)*vm.PageSize)
		if err != nil {
			fmt.Fprintf(logOut, "swap: %v; running without swap\n", err)
		} else {
			builder = builder.WithSwapDevice(dev)
			closers = append(closers, func() { dev.Close() })
		}
	}

	m := &machine{
		sys:     builder.Build("VM"),
		counter: tracing.NewCountTracer(),
		closers: closers,
	}
	m.kernel = workload.NewKernel(m.sys)

	tracing.CollectTrace(m.sys, m.counter)

	if cfg.LogEvents {
		logger := log.New(logOut, "", log.Lmicroseconds)
		tracing.CollectTrace(m.sys, tracing.NewLogTracer(logger))
	}

	if cfg.TraceDB != "" {
		recorder := datarecording.New(cfg.TraceDB)
		tracer := tracing.NewDBTracer(recorder)
		tracing.CollectTrace(m.sys, tracer)

		m.closers = append(m.closers, func() {
			tracer.Terminate()
			recorder.Close()
		})
	}

	if cfg.MonitorPort != 0 {
		m.monitor = monitoring.NewMonitor().
			WithPortNumber(cfg.MonitorPort).
			WithBrowser(cfg.OpenBrowser)
		m.monitor.RegisterSystem(m.sys)

		for i := 0; i < m.kernel.NumCPUs(); i++ {
			m.monitor.RegisterComponent(m.kernel.MMU(i))
		}

		m.monitor.StartServer()
		m.closers = append(m.closers, func() { m.monitor.StopServer() })
	}

	atexit.Register(m.shutdown)

	return m, nil
}

func (m *machine) progressFor() func(w workload.Workload) workload.Progress {
	if m.monitor == nil {
		return nil
	}

	return func(w workload.Workload) workload.Progress {
		return m.monitor.CreateProgressBar(w.Name(), w.Steps())
	}
}

func run(cfg config, p plan, out io.Writer, wait bool) error {
	m, err := boot(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer m.shutdown()

	err = workload.RunAll(m.kernel, p.workloads(), m.progressFor())

	m.printSummary(out)

	if wait && m.monitor != nil {
		fmt.Fprintln(os.Stderr, "Workloads finished. Press Ctrl+C to exit.")

		interrupted := make(chan os.Signal, 1)
		signal.Notify(interrupted, os.Interrupt)
		<-interrupted
	}

	return err
}

func (m *machine) printSummary(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	frames := m.sys.Coremap().Stats()
	fmt.Fprintf(w, "frames\ttotal %d\treserved %d\tfree %d\tkernel %d\tuser %d\n",
		frames.TotalFrames, frames.ReservedFrames, frames.FreeFrames,
		frames.KernelFrames, frames.UserFrames)

	if m.sys.HasSwap() {
		swap := m.sys.Swap().Stats()
		fmt.Fprintf(w, "swap\tslots %d\tused %d\tevictions %d\tswap-ins %d\n",
			swap.TotalSlots, swap.UsedSlots, swap.Evictions, swap.SwapIns)
	} else {
		fmt.Fprintf(w, "swap\tnone\n")
	}

	for _, kind := range []vm.FaultKind{
		vm.FaultRead, vm.FaultWrite, vm.FaultReadOnly,
	} {
		fmt.Fprintf(w, "faults\t%s\t%d\n", kind, m.counter.FaultCount(kind))
	}

	counts := m.counter.Counts()
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		fmt.Fprintf(w, "events\t%s\t%d\n", kind, counts[kind])
	}

	for i := 0; i < m.kernel.NumCPUs(); i++ {
		mmu := m.kernel.MMU(i)
		stats := mmu.Stats()
		fmt.Fprintf(w, "%s\thits %d\tmisses %d\tfaults %d\n",
			mmu.Name(), stats.Hits, stats.Misses, stats.Faults)
	}
}
