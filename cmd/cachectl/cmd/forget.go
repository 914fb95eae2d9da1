package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewForgetCommand creates the 'forget' command.
func NewForgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <key> [store]",
		Short: "Remove a key from a store",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			name := s.storeName(args, 1)
			repo, err := s.manager.Use(name)
			if err != nil {
				return err
			}
			if !repo.Forget(cmd.Context(), args[0]) {
				return fmt.Errorf("failed to forget key [%s] in cache store [%s]", args[0], name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "The [%s] key has been removed from the cache.\n", args[0])
			return nil
		},
	}
}
