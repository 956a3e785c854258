package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/vigil/internal/config"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	ctl := &command{out: os.Stdout}
	root.AddCommand(
		createRunCommand(globalFlags),
		createInitCommand(),
		createStartCommand(ctl, globalFlags),
		createStopCommand(ctl, globalFlags),
		createRestartCommand(ctl, globalFlags),
		createStatusCommand(ctl, globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "vigil",
		Short:         "Keep a set of processes alive",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Vigil supervises long-running processes described in a pm2-style
config file: it restarts them on exit with a backoff, gives up on crash loops
and serves a small HTTP API for start/stop/restart/status.

Examples:
  vigil run --config=vigil.toml
  vigil status --config=vigil.toml
  vigil restart --name=worker --api-url=http://127.0.0.1:9615`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	return root
}

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	runFlags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [config]",
		Short: "Run the supervisor in the foreground",
		Long: `Load the config, take the lock file and supervise every app until
SIGINT or SIGTERM, then stop all children within their kill_timeout.

Examples:
  vigil run vigil.toml
  vigil run --config=vigil.toml --daemonize --pidfile=/run/vigil.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				runFlags.ConfigPath = args[0]
			}
			if runFlags.ConfigPath == "" {
				return fmt.Errorf("config file required: use --config=vigil.toml or pass it as argument")
			}
			if runFlags.Daemonize {
				return daemonize(runFlags.PidFile, runFlags.LogFile)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSupervisor(ctx, *runFlags)
		},
	}
	cmd.Flags().BoolVar(&runFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&runFlags.PidFile, "pidfile", "", "write the supervisor PID to this file")
	cmd.Flags().StringVar(&runFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "vigil.toml"
			if len(args) > 0 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func addControlFlags(cmd *cobra.Command, f *ControlFlags, nameRequired bool) {
	cmd.Flags().StringVar(&f.Name, "name", "", "process name")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default from --config [server], else http://127.0.0.1:9615)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	if nameRequired {
		if err := cmd.MarkFlagRequired("name"); err != nil {
			panic(err)
		}
	}
}

func createStartCommand(ctl *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &ControlFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a configured process",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return ctl.Start(cmd.Context(), *f)
		},
	}
	addControlFlags(cmd, f, true)
	return cmd
}

func createStopCommand(ctl *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &ControlFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a process and cancel pending restarts",
		Long: `Stop a supervised process. The child gets SIGTERM and, after its
kill_timeout, SIGKILL.

Examples:
  vigil stop --name=web
  vigil stop --name=web --wait=10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return ctl.Stop(cmd.Context(), *f)
		},
	}
	addControlFlags(cmd, f, true)
	cmd.Flags().DurationVar(&f.Wait, "wait", 5*time.Second, "how long the daemon waits for the child to exit")
	return cmd
}

func createRestartCommand(ctl *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &ControlFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop and start a process, resetting its failure count",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return ctl.Restart(cmd.Context(), *f)
		},
	}
	addControlFlags(cmd, f, true)
	return cmd
}

func createStatusCommand(ctl *command, globalFlags *GlobalFlags) *cobra.Command {
	f := &ControlFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show process status",
		Long: `Show the state of supervised processes.

Examples:
  vigil status                 # all processes
  vigil status --name=web      # one process with its run history
  vigil status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return ctl.Status(cmd.Context(), *f)
		},
	}
	addControlFlags(cmd, f, false)
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
	return cmd
}
