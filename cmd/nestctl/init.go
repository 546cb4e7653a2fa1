package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vango-dev/nest/internal/config"
	"github.com/vango-dev/nest/internal/errors"
)

func initCmd(opts *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default nest.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(opts.dir, config.ConfigFileName)
			if _, err := os.Stat(path); err == nil && !force {
				return errors.New("N111").
					WithPath(path).
					WithDetail("nest.json already exists").
					WithSuggestion("Pass --force to overwrite it")
			}
			if err := config.New().SaveTo(path); err != nil {
				return err
			}
			success("Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing nest.json")

	return cmd
}
