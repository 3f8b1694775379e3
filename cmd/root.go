package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"go.olrik.dev/lattice/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	rootCmd := &cobra.Command{
		Use:   "lattice",
		Short: "Lattice - distributed execution fabric",
		Long:  `Lattice spawns child interpreter contexts over local, ssh, sudo and docker transports and splices them into a tree-shaped routing overlay.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.Load(configPath)
			if err != nil {
				return err
			}
			cfg.Verbose = verbose
			core.Config = cfg

			level := slog.LevelInfo
			if verbose > 0 {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(
				tint.NewHandler(os.Stderr, &tint.Options{
					Level:      level,
					TimeFormat: time.DateTime,
				}),
			))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", core.DefaultConfigPath(), "config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewRunCommand(),
		NewPasswordCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
