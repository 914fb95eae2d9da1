package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewGetCommand creates the 'get' command. The stored JSON is printed as is.
func NewGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key> [store]",
		Short: "Print the value of a key",
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
			val, ok := repo.Get(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("key [%s] not found in cache store [%s]", args[0], name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), val.String())
			return nil
		},
	}
}
