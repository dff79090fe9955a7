package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// config holds the settings of a run.
type config struct {
	RAMPages      int
	ReservedPages int
	SwapPath      string
	SwapPages     int
	CPUs          int
	MonitorPort   int
	OpenBrowser   bool
	TraceDB       string
	LogEvents     bool
}

func defaultConfig() config {
	return config{
		RAMPages:      256,
		ReservedPages: 1,
		SwapPages:     4096,
		CPUs:          2,
	}
}

// loadConfig reads envFile into the environment, without replacing variables
// that are already set, and builds the config from the environment.
func loadConfig(envFile string) (config, error) {
	cfg := defaultConfig()

	if envFile != "" {
		err := godotenv.Load(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"OSVM_RAM_PAGES", &cfg.RAMPages},
		{"OSVM_RESERVED_PAGES", &cfg.ReservedPages},
		{"OSVM_SWAP_PAGES", &cfg.SwapPages},
		{"OSVM_CPUS", &cfg.CPUs},
		{"OSVM_MONITOR_PORT", &cfg.MonitorPort},
	}

	for _, v := range ints {
		s, ok := os.LookupEnv(v.name)
		if !ok || s == "" {
			continue
		}

		n, err := strconv.Atoi(s)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", v.name, err)
		}

		*v.dst = n
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"OSVM_OPEN_BROWSER", &cfg.OpenBrowser},
		{"OSVM_LOG_EVENTS", &cfg.LogEvents},
	}

	for _, v := range bools {
		s, ok := os.LookupEnv(v.name)
		if !ok || s == "" {
			continue
		}

		b, err := strconv.ParseBool(s)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", v.name, err)
		}

		*v.dst = b
	}

	cfg.SwapPath = os.Getenv("OSVM_SWAP_PATH")
	cfg.TraceDB = os.Getenv("OSVM_TRACE_DB")

	return cfg, nil
}

// addMachineFlags adds the flags that override the config.
func addMachineFlags(c *cobra.Command) {
	f := c.Flags()
	f.Int("ram-pages", 0, "Number of physical frames. Overrides OSVM_RAM_PAGES.")
	f.Int("reserved-pages", 0,
		"Frames held by the kernel image. Overrides OSVM_RESERVED_PAGES.")
	f.String("swap", "", "Swap file. Overrides OSVM_SWAP_PATH.")
	f.Int("swap-pages", 0, "Size of the swap file. Overrides OSVM_SWAP_PAGES.")
	f.Int("cpus", 0, "Number of processors. Overrides OSVM_CPUS.")
	f.Int("monitor-port", 0,
		"Serve the monitor on this port. Overrides OSVM_MONITOR_PORT.")
	f.Bool("open-browser", false,
		"Open the monitor in a browser. Overrides OSVM_OPEN_BROWSER.")
	f.String("trace-db", "",
		"Record events into this SQLite file. Overrides OSVM_TRACE_DB.")
	f.Bool("log-events", false,
		"Print every event to stderr. Overrides OSVM_LOG_EVENTS.")
}

// applyFlags overrides cfg with the flags the user set.
func applyFlags(c *cobra.Command, cfg *config) {
	f := c.Flags()

	if f.Changed("ram-pages") {
		cfg.RAMPages, _ = f.GetInt("ram-pages")
	}

	if f.Changed("reserved-pages") {
		cfg.ReservedPages, _ = f.GetInt("reserved-pages")
	}

	if f.Changed("swap") {
		cfg.SwapPath, _ = f.GetString("swap")
	}

	if f.Changed("swap-pages") {
		cfg.SwapPages, _ = f.GetInt("swap-pages")
	}

	if f.Changed("cpus") {
		cfg.CPUs, _ = f.GetInt("cpus")
	}

	if f.Changed("monitor-port") {
		cfg.MonitorPort, _ = f.GetInt("monitor-port")
	}

	if f.Changed("open-browser") {
		cfg.OpenBrowser, _ = f.GetBool("open-browser")
	}

	if f.Changed("trace-db") {
		cfg.TraceDB, _ = f.GetString("trace-db")
	}

	if f.Changed("log-events") {
		cfg.LogEvents, _ = f.GetBool("log-events")
	}
}

func (c config) validate() error {
	switch {
	case c.RAMPages <= c.ReservedPages:
		return fmt.Errorf("%d frames leave no room after %d reserved",
			c.RAMPages, c.ReservedPages)
	case c.ReservedPages < 0:
		return fmt.Errorf("negative reserved frames %d", c.ReservedPages)
	case c.CPUs <= 0:
		return fmt.Errorf("need at least one processor, got %d", c.CPUs)
	case c.SwapPath != "" && c.SwapPages <= 0:
		return fmt.Errorf("swap file %s needs a positive size", c.SwapPath)
	}

	return nil
}
