package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/dedupkit/config"
	"github.com/vinayprograms/dedupkit/logging"
)

const description = `dedupd coordinates identical work across processes.

Nodes share a broadcast topic. When several of them are asked to run the
same task key, exactly one runs it and every requester learns the outcome.`

type rootCommand struct {
	cmd    *cobra.Command
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	nodeID     string
}

func newRootCommand(stdout, stderr io.Writer) *rootCommand {
	root := &rootCommand{stdout: stdout, stderr: stderr}

	root.cmd = &cobra.Command{
		Use:           "dedupd",
		Short:         "Cross-process task deduplication",
		Long:          description,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.cmd.SetOut(stdout)
	root.cmd.SetErr(stderr)

	flags := root.cmd.PersistentFlags()
	flags.StringVarP(&root.configPath, "config", "c", "", "node configuration file (TOML)")
	flags.StringVar(&root.logLevel, "log-level", "", "override [log] level")
	flags.StringVar(&root.nodeID, "node-id", "", "override [node] id")

	root.cmd.AddCommand(
		serveCommand(root),
		requestCommand(root),
		finishCommand(root),
		keygenCommand(root),
	)
	return root
}

// loadConfig reads the config file, or defaults when none was given, and
// applies flag overrides.
func (r *rootCommand) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if r.configPath != "" {
		loaded, err := config.LoadFile(r.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if r.logLevel != "" {
		cfg.Log.Level = r.logLevel
	}
	if r.nodeID != "" {
		cfg.Node.ID = r.nodeID
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *rootCommand) logger(cfg *config.Config) *logging.Logger {
	l := logging.New()
	l.SetOutput(r.stderr)
	l.SetLevel(cfg.Level())
	return l.WithComponent("dedupd")
}
