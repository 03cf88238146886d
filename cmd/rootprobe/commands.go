package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/doughall/rootprobe/internal/bootstrap"
	"github.com/doughall/rootprobe/internal/config"
	"github.com/doughall/rootprobe/internal/console"
	"github.com/doughall/rootprobe/internal/history"
	"github.com/doughall/rootprobe/internal/logging"
	"github.com/doughall/rootprobe/internal/probe"
	"github.com/doughall/rootprobe/internal/rootexec"
	"github.com/doughall/rootprobe/internal/version"
)

// exitTimedOut matches timeout(1).
const exitTimedOut = 124

// probeReport is what `rootprobe probe` prints.
type probeReport struct {
	Outcome probe.Outcome `json:"outcome"`
	Failure string        `json:"failure,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func probeCmd() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Stage the probe binary, run it and report the driver descriptor",
		Description: `Runs one bootstrap round: stages the probe for this CPU, makes it
executable through the escalated shell, runs it with the given PID and
parses its report. Exits non-zero when the driver is not installed.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "pid",
				Usage: "process the driver descriptor is installed into (default: this process)",
			},
			&cli.BoolFlag{
				Name:  "installed",
				Usage: "only print true or false",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd, "")
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			pid := cmd.Int("pid")
			if pid <= 0 {
				pid = os.Getpid()
			}
			out := cmd.Root().Writer

			if cmd.Bool("installed") {
				installed := a.bootstrap.IsDriverInstalled(ctx, pid)
				fmt.Fprintln(out, installed)
				if !installed {
					return cli.Exit("", 1)
				}
				return nil
			}

			outcome, err := a.bootstrap.CheckAndSetupDriver(ctx, pid)
			report := probeReport{Outcome: outcome}
			if err != nil {
				report.Failure = string(bootstrap.KindOf(err))
				report.Error = err.Error()
			}
			if err := writeJSON(out, report); err != nil {
				return err
			}
			if !outcome.Installed {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func execCmd() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "Run a command line with root privileges",
		ArgsUsage: "-- COMMAND [ARGS...]",
		Description: `Joins the arguments into one command line and runs it through the
root executor. With --batch every argument is a separate command line and
the lines run in order, each with its own result.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "escalation",
				Usage: `escalation command, or "default" for the shared session`,
				Value: rootexec.DefaultEscalation,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per-command timeout (default: command_timeout_ms)",
			},
			&cli.BoolFlag{
				Name:  "async",
				Usage: "submit to the background pool and wait for the future",
			},
			&cli.BoolFlag{
				Name:  "batch",
				Usage: "treat each argument as its own command line",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) == 0 {
				return cli.Exit("exec: no command given", 2)
			}
			if cmd.Bool("async") && cmd.Bool("batch") {
				return cli.Exit("exec: --async and --batch are exclusive", 2)
			}

			a, err := newApp(cmd, "")
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			escalation := cmd.String("escalation")
			timeout := cmd.Duration("timeout")
			out := cmd.Root().Writer
			errOut := cmd.Root().ErrWriter

			switch {
			case cmd.Bool("batch"):
				results := a.manager.ExecBatch(ctx, escalation, args, timeout)
				code := 0
				for i, r := range results {
					fmt.Fprintf(out, "[%d] %s: %s\n", i, rootexec.Kind(r), args[i])
					if c := printResult(out, errOut, r); c != 0 && code == 0 {
						code = c
					}
				}
				if code != 0 {
					return cli.Exit("", code)
				}
				return nil
			case cmd.Bool("async"):
				future := a.manager.ExecAsync(escalation, strings.Join(args, " "))
				r, err := future.Wait(ctx)
				if err != nil {
					return err
				}
				return exitFor(printResult(out, errOut, r))
			default:
				r := a.manager.Exec(ctx, escalation, strings.Join(args, " "), timeout)
				return exitFor(printResult(out, errOut, r))
			}
		},
	}
}

// printResult writes r and returns the process exit code it maps to.
func printResult(out, errOut io.Writer, r rootexec.Result) int {
	return rootexec.Match(r,
		func(s rootexec.Success) int {
			writeText(out, s.Output)
			return 0
		},
		func(f rootexec.Failure) int {
			writeText(errOut, f.Message)
			if f.ExitCode > 0 {
				return f.ExitCode
			}
			return 1
		},
		func(t rootexec.Timeout) int {
			fmt.Fprintf(errOut, "timed out after %s\n", t.Duration)
			return exitTimedOut
		},
	)
}

func writeText(w io.Writer, text string) {
	if text == "" {
		return
	}
	fmt.Fprint(w, text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(w)
	}
}

func exitFor(code int) error {
	if code == 0 {
		return nil
	}
	return cli.Exit("", code)
}

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show recent bootstrap attempts",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Usage: "number of attempts to show",
				Value: 20,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print JSON instead of a table",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd, "")
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if a.history == nil {
				return cli.Exit("history store is unavailable", 1)
			}
			attempts, err := a.history.Recent(cmd.Int("limit"))
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			out := cmd.Root().Writer
			if cmd.Bool("json") {
				return writeJSON(out, attempts)
			}
			return writeAttempts(out, attempts)
		},
	}
}

func writeAttempts(w io.Writer, attempts []*history.Attempt) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tABI\tINSTALLED\tFD\tSTAGE\tEXIT\tFAILURE\tDURATION")
	for _, a := range attempts {
		fd := "-"
		if a.HasFD {
			fd = fmt.Sprint(a.DriverFD)
		}
		failure := a.Failure
		if failure == "" {
			failure = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\t%d\t%s\t%s\n",
			a.ID, a.At.Local().Format(time.DateTime), a.ABI, a.Installed, fd,
			a.Stage, a.ExitCode, failure, time.Duration(a.DurationMs)*time.Millisecond)
	}
	return tw.Flush()
}

func consoleCmd() *cli.Command {
	return &cli.Command{
		Name:  "console",
		Usage: "Open an interactive escalated shell",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "escalation",
				Usage: "escalation command (default: default_shell)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.SetupLogger(cfg.LogLevel, cfg.LogFormat)

			escalation := cmd.String("escalation")
			if escalation == "" {
				escalation = cfg.DefaultShell
			}
			code, err := console.Run(ctx, console.Options{
				Escalation: escalation,
				Stdin:      os.Stdin,
				Stdout:     os.Stdout,
				Logger:     logging.WithComponent(logger, "console"),
			})
			if err != nil {
				return err
			}
			return exitFor(code)
		},
	}
}

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a configuration file with every default",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "overwrite an existing file",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.String("config")
					if _, err := os.Stat(path); err == nil && !cmd.Bool("force") {
						return cli.Exit(fmt.Sprintf("%s already exists (use --force)", path), 1)
					}
					if err := config.Save(path, config.Default()); err != nil {
						return fmt.Errorf("write %s: %w", path, err)
					}
					fmt.Fprintf(cmd.Root().Writer, "wrote %s\n", path)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the effective configuration",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, _, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					if cfg.NATSNKeySeed != "" {
						cfg.NATSNKeySeed = "<redacted>"
					}
					enc := yaml.NewEncoder(cmd.Root().Writer)
					enc.SetIndent(2)
					defer enc.Close()
					return enc.Encode(cfg)
				},
			},
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Fprintln(cmd.Root().Writer, version.Info(name))
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
