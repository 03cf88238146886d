// rootprobe checks for and installs the kernel driver through an escalated
// shell, and can keep doing so as a systemd service.
//
// Usage:
//
//	rootprobe probe [--pid N] [--installed]
//	rootprobe exec [--escalation CMD] [--timeout D] [--async|--batch] -- COMMAND...
//	rootprobe serve
//	rootprobe history [--limit N]
//	rootprobe console [--escalation CMD]
//	rootprobe config init [--force]
//	rootprobe version
//
// Configuration is loaded from /etc/rootprobe/config.yaml (or --config).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/doughall/rootprobe/internal/config"
	"github.com/doughall/rootprobe/internal/version"
)

const name = "rootprobe"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// cli.Exit errors are reported and exit with their own code inside Run.
	if err := rootCmd().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cli.Command {
	return &cli.Command{
		Name:    name,
		Usage:   "Privileged command broker and driver bootstrap",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
				Sources: cli.EnvVars("ROOTPROBE_CONFIG"),
				Value:   config.DefaultConfigPath,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "override log_level (debug, info, warn, error)",
				Sources: cli.EnvVars("ROOTPROBE_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			probeCmd(),
			execCmd(),
			serveCmd(),
			historyCmd(),
			consoleCmd(),
			configCmd(),
			versionCmd(),
		},
	}
}
