package main

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-crowdlock/v1/adapter"
	"github.com/mirkobrombin/go-crowdlock/v1/lock"
)

func newReleaseCmd(root *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "release <user-id>",
		Short: "Free every task slot held by a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()
			store := adapter.NewRedisLockStore(client, adapter.WithTimeout(cfg.Redis.OpTimeout))
			m := lock.NewManager(store, lock.WithPrefix(cfg.Redis.Prefix))
			if dryRun {
				held, err := m.HeldBy(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "would release %d slots %v\n", len(held), held)
				return nil
			}
			released, err := m.ReleaseAllSlotsFor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d slots %v\n", len(released), released)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list the held slots without releasing them")
	return cmd
}
