package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/lattice/internal/keyring"
)

func NewPasswordCommand() *cobra.Command {
	passwordCmd := &cobra.Command{
		Use:     "password",
		Aliases: []string{"passwd", "pass"},
		Short:   "Manage stored transport passwords",
		Long:    `Store, delete, and list passwords used to answer ssh password prompts during connect. Passwords live in the system keyring.`,
	}

	setCmd := &cobra.Command{
		Use:   "set <host>",
		Short: "Store a password for a configured host",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			host := args[0]
			password, err := keyring.PromptAndConfirmPassword(host)
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to read password: %v", err))
				os.Exit(1)
			}
			if err := keyring.SetPassword(host, password); err != nil {
				slog.Error(fmt.Sprintf("Failed to store password: %v", err))
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("Password stored securely for %q", host))
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete <host>",
		Aliases: []string{"del", "remove", "rm"},
		Short:   "Delete the stored password for a host",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			host := args[0]
			if err := keyring.DeletePassword(host); err != nil {
				slog.Error(fmt.Sprintf("Failed to delete password: %v", err))
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("Password deleted for %q", host))
		},
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List hosts with stored passwords",
		Run: func(cmd *cobra.Command, args []string) {
			hosts, err := keyring.ListHosts()
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to list passwords: %v", err))
				os.Exit(1)
			}
			for _, host := range hosts {
				fmt.Println(host)
			}
		},
	}

	passwordCmd.AddCommand(setCmd, deleteCmd, listCmd)
	return passwordCmd
}
