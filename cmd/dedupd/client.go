package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/dedupkit/dedup"
	derrors "github.com/vinayprograms/dedupkit/errors"
)

func requestCommand(root *rootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request KEY",
		Short: "Ask the cluster to run KEY and wait for the outcome",
		Long: `Publishes a start request for KEY from a passive node, waits for an owner
to acknowledge it and then for the finish notification. Exits non-zero when
the work failed, with the reported reason on stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger := root.logger(cfg)

			ctx := cmd.Context()
			coord, t, err := clientNode(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer t.close()
			defer coord.Close()

			key := args[0]
			future, err := coord.RequestRemoteStart(ctx, key)
			if err != nil {
				if derrors.Is(err, derrors.ErrCodeAckTimeout) {
					return fmt.Errorf("no node acknowledged %s: %w", key, err)
				}
				return err
			}

			value, err := future.Wait(ctx)
			if err != nil {
				return err
			}
			if value != nil {
				fmt.Fprintln(root.stdout, value)
			}
			fmt.Fprintf(root.stdout, "finished %s\n", key)
			return nil
		},
	}
	return cmd
}

func finishCommand(root *rootCommand) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "finish KEY",
		Short: "Broadcast completion of KEY",
		Long: `Publishes finish for KEY, or finish_error when --error is given. Used
when the work for a key is carried out outside any node's executor.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger := root.logger(cfg)

			ctx := cmd.Context()
			coord, t, err := clientNode(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer t.close()
			defer coord.Close()

			var outcome error
			if cmd.Flags().Changed("error") {
				outcome = errors.New(reason)
			}
			return coord.Finish(ctx, args[0], outcome)
		},
	}
	cmd.Flags().StringVar(&reason, "error", "", "report failure with this reason")
	return cmd
}

func keygenCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh random task key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(root.stdout, dedup.NewKey())
			return err
		},
	}
}
