package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/vinayprograms/dedupkit/config"
	"github.com/vinayprograms/dedupkit/logging"
)

// commandExecutor runs a program for every key this node owns. The key is
// passed in DEDUP_KEY; trimmed stdout becomes the result value.
type commandExecutor struct {
	cfg    config.ExecutorConfig
	logger *logging.Logger
}

func newCommandExecutor(cfg config.ExecutorConfig, logger *logging.Logger) *commandExecutor {
	return &commandExecutor{cfg: cfg, logger: logger.WithComponent("executor")}
}

// Execute implements dedup.Executor.
func (e *commandExecutor) Execute(ctx context.Context, key string) (any, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	e.logger.Debug("running_command", map[string]interface{}{
		"key":     key,
		"command": e.cfg.Command,
		"args":    strings.Join(e.cfg.Args, " "),
	})

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.cfg.Command, e.cfg.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "DEDUP_KEY="+key)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", e.cfg.Command, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return nil, fmt.Errorf("%s exited with code %d", e.cfg.Command, exitErr.ExitCode())
			}
			return nil, fmt.Errorf("%s exited with code %d: %s", e.cfg.Command, exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("%s: %w", e.cfg.Command, err)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, nil
	}
	return out, nil
}
