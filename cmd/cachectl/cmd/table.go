package cmd

import (
	"fmt"

	"github.com/agentuity/go-cache/cache"
	"github.com/spf13/cobra"
)

// NewTableCommand creates the 'table' command.
func NewTableCommand() *cobra.Command {
	var storeName string

	cmd := &cobra.Command{
		Use:   "table [name]",
		Short: "Create the table backing a database or DynamoDB store",
		Long: `Create the table backing a database or DynamoDB store. Without a name the
table configured for the store is used.

A database store creates its configured table when it opens, so for that
table the command reports that it already exists. Pass a name to provision
another table.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if storeName == "" {
				storeName = s.manager.Config().Store
			}
			store, err := s.manager.Store(storeName)
			if err != nil {
				return err
			}
			p, ok := store.(cache.Provisionable)
			if !ok {
				return fmt.Errorf("cache store [%s] does not use a table", storeName)
			}

			var table string
			if len(args) > 0 {
				table = args[0]
			} else if sc := s.manager.Config().Stores[storeName]; sc.Table != "" {
				table = sc.Table
			}
			created, err := p.CreateTable(cmd.Context(), table)
			if err != nil {
				return err
			}
			if table == "" {
				table = cache.DefaultTable
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Table [%s] created.\n", table)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Table [%s] already exists.\n", table)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storeName, "store", "", "store whose table is created, defaults to the default store")

	return cmd
}
