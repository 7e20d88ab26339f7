package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stagecore/internal/core"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := core.OpenPersistentStore(ctx)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer closeStore(store)

			svc := core.NewService(store)
			completed, err := svc.SweepExpired(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed %d expired instance(s)\n", len(completed))
			for _, id := range completed {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
