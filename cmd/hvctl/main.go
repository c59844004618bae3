// Package main is the hvctl command, which applies Hyper-V desired state
// described in a task file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kuttiproject/kuttilog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kuttiproject/hypervstate"
	"github.com/kuttiproject/hypervstate/internal/config"
	"github.com/kuttiproject/hypervstate/internal/playbook"
)

var cfg struct {
	configFile string
	taskFile   string
	verbose    bool
	checkmode  bool
}

var rootCmd = &cobra.Command{
	Use:          "hvctl",
	Short:        "Hyper-V desired state",
	Long:         `Applies desired state for Hyper-V virtual machines, disks, DVD drives, power state and VLANs`,
	SilenceUsage: true,
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a task file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTasks(cmd, cfg.checkmode)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report what a task file would change, without changing it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTasks(cmd, true)
	},
}

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Print the PowerShell interface script",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprint(cmd.OutOrStdout(), hypervstate.Script())
	},
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the modules a task can use",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		for _, name := range playbook.Modules() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func newProvider(c *config.Config) (hypervstate.Provider, error) {
	if c.Transport == config.TransportSSH {
		return hypervstate.NewRemotePowerShell(hypervstate.RemoteOptions{
			Address:        c.Address,
			Username:       c.Username,
			Password:       c.Password,
			PowerShellPath: c.PowerShell,
			ScriptDir:      c.ScriptDir,
		}), nil
	}

	local, err := hypervstate.NewLocalPowerShell(c.PowerShell)
	if err != nil {
		return nil, err
	}
	return local, nil
}

func runTasks(cmd *cobra.Command, checkmode bool) error {
	c, err := config.Load(cfg.configFile)
	if err != nil {
		return err
	}

	if cfg.verbose || c.LogLevel == "debug" {
		kuttilog.SetLogLevel(kuttilog.Debug)
	} else {
		kuttilog.SetLogLevel(kuttilog.Info)
	}

	if cfg.taskFile == "" {
		return errors.New("a task file is required, use -f")
	}

	taskFile, err := os.Open(cfg.taskFile)
	if err != nil {
		return errors.Wrapf(err, "failed to read task file %q", cfg.taskFile)
	}
	defer taskFile.Close()

	tasks, err := playbook.Parse(taskFile)
	if err != nil {
		return err
	}

	provider, err := newProvider(c)
	if err != nil {
		return errors.Wrap(err, "failed to set up Hyper-V provider")
	}

	runner := playbook.NewRunner(provider, checkmode, hypervstate.WithPowerTimeout(c.PowerTimeout))
	results, runErr := runner.Run(cmd.Context(), tasks)

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(results); err != nil {
		return err
	}

	return runErr
}

func main() {
	if err := app(); err != nil {
		os.Exit(1)
	}
}

func app() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.configFile, "config", "",
		"hvctl config file, if not set, HYPERV_* env vars are used")
	rootCmd.PersistentFlags().BoolVarP(&cfg.verbose, "verbose", "v", false, "log provider calls")

	for _, cmd := range []*cobra.Command{applyCmd, checkCmd} {
		cmd.Flags().StringVarP(&cfg.taskFile, "file", "f", "", "task file to run")
	}
	applyCmd.Flags().BoolVar(&cfg.checkmode, "check", false, "report changes without making them")

	rootCmd.AddCommand(applyCmd, checkCmd, scriptCmd, modulesCmd)
}
