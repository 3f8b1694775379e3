package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.olrik.dev/lattice/internal/core"
	"go.olrik.dev/lattice/internal/fabric"
	"go.olrik.dev/lattice/internal/keyring"
	"go.olrik.dev/lattice/internal/module"
	"go.olrik.dev/lattice/internal/parent"
	_ "go.olrik.dev/lattice/internal/transport"
)

func NewRunCommand() *cobra.Command {
	var method string
	var pythonPath string

	runCmd := &cobra.Command{
		Use:   "run <host>",
		Short: "Connect a configured host and report the resulting context",
		Long: `Connect to a host defined in lattice.hcl, following its via chain
through already connected intermediaries, then shut the tree down again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := core.Config
			cache, err := module.NewCache(cfg.ModuleCacheDir)
			if err != nil {
				return err
			}
			defer cache.Close()

			router := parent.NewRouter(fabric.Identity{ContextID: 0}, cfg.MaxMessageSize)
			router.Upgrade(cache, nil)
			defer router.Close()

			ctx := context.Background()
			c, err := connectHost(ctx, router, args[0], method, pythonPath, nil)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "connected: id=%d name=%s\n", c.ID, c.Name())
			if err := c.Shutdown(ctx, true); err != nil {
				slog.Warn("shutdown wait failed", "context", c.Name(), "error", err)
			}
			return nil
		},
	}

	runCmd.Flags().StringVar(&method, "method", "", "override connection method (local, ssh, sudo, docker)")
	runCmd.Flags().StringVar(&pythonPath, "python", "", "override remote interpreter path")
	return runCmd
}

// connectHost resolves name against the config and connects it, recursively
// connecting its via chain first. seen guards against reference cycles.
func connectHost(ctx context.Context, router *parent.Router, name, methodOverride, pythonOverride string, seen map[string]bool) (*fabric.Context, error) {
	cfg := core.Config
	host := cfg.Hosts[name]
	if host == nil {
		if name != "local" {
			return nil, fmt.Errorf("host %q is not configured", name)
		}
		host = &core.HostConfig{Name: "local", Method: "local"}
	}
	if seen[name] {
		return nil, fmt.Errorf("via cycle through host %q", name)
	}

	opts := parent.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		ConnectTimeout: cfg.ConnectTimeout,
		PythonPath:     firstNonEmpty(pythonOverride, host.PythonPath, cfg.PythonPath),
		Extra:          map[string]string{},
	}
	if host.Hostname != "" {
		opts.Extra["hostname"] = host.Hostname
	}
	if host.Username != "" {
		opts.Extra["username"] = host.Username
	}
	if host.Port != "" {
		opts.Extra["port"] = host.Port
	}
	if host.Container != "" {
		opts.Extra["container"] = host.Container
	}
	if host.UseKeyring {
		password, err := keyring.GetPassword(host.Name)
		if err != nil {
			return nil, err
		}
		opts.Password = password
	}

	if host.Via != "" {
		if seen == nil {
			seen = map[string]bool{}
		}
		seen[name] = true
		via, err := connectHost(ctx, router, host.Via, "", "", seen)
		if err != nil {
			return nil, fmt.Errorf("connecting via chain for %q: %w", name, err)
		}
		opts.Via = via
	}

	method := firstNonEmpty(methodOverride, host.Method, "local")
	slog.Info("connecting", "host", name, "method", method)
	return router.Connect(ctx, method, opts)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
