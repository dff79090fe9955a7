// Package cmd provides the command-line interface for osvm.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "osvm",
	Short: "osvm runs the virtual-memory system of a teaching kernel.",
	Long: `osvm boots the frame table, swap store and fault handler of a ` +
		`teaching kernel on a simulated machine, runs memory workloads on ` +
		`its processors and reports what happened. Settings are read from ` +
		`a .env file and OSVM_* environment variables, and flags override ` +
		`them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("env", ".env",
		"File to load OSVM_* settings from. A missing file is ignored.")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
