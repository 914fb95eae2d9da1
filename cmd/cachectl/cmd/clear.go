package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// ClearEvent is published on cache:clearing before a store is flushed and
// on cache:cleared after it succeeds.
type ClearEvent struct {
	Store  string `json:"store"`
	Prefix string `json:"prefix"`
}

const (
	SubjectClearing = "cache:clearing"
	SubjectCleared  = "cache:cleared"
)

// NewClearCommand creates the 'clear' command.
func NewClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [store]",
		Short: "Flush every entry of a store",
		Long:  `Flush every entry under the prefix of the named store, or of the default store when no name is given.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			name := s.storeName(args, 0)
			repo, err := s.manager.Use(name)
			if err != nil {
				return err
			}

			payload, _ := json.Marshal(ClearEvent{Store: name, Prefix: repo.Prefix()})
			if err := s.bus.Publish(cmd.Context(), SubjectClearing, payload); err != nil {
				s.logger.Warn("failed to publish %s: %s", SubjectClearing, err)
			}

			ok, err := repo.Flush(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("failed to flush cache store [%s], check the credentials and permissions", name)
			}

			if err := s.bus.Publish(cmd.Context(), SubjectCleared, payload); err != nil {
				s.logger.Warn("failed to publish %s: %s", SubjectCleared, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cache store [%s] cleared.\n", name)
			return nil
		},
	}
}
