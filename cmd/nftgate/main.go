// Package main is the entrypoint for the nftgate CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eugenetaranov/nftgate/internal/firewall"
	"github.com/eugenetaranov/nftgate/internal/script"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath string
	debug      bool
	noColor    bool
	jsonOutput bool
)

// errReported is returned once a failure has already been printed.
var errReported = errors.New("operation failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nftgate",
	Short: "nftgate - remote nftables firewall management over SSH",
	Long: `nftgate manages nftables firewalls on remote Linux hosts by driving the
Nftato.sh script over SSH. It opens inbound ports and addresses, blocks
outbound traffic, sets up DDoS protection and deploys the script itself.

Rule state read from hosts is cached locally; changes invalidate it.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: nftgate.yaml in ., ~/.nftgate, /etc/nftgate)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output with raw script output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print responses as JSON")

	rootCmd.AddCommand(connectCmd, disconnectCmd, execCmd, actionCmd, actionsCmd)
	rootCmd.AddCommand(readCommand("ports <host>", "Show allowed inbound ports", "ports", (*firewall.Service).InboundPorts))
	rootCmd.AddCommand(readCommand("ips <host>", "Show allowed inbound IPs", "ips", (*firewall.Service).InboundIPs))
	rootCmd.AddCommand(readCommand("blocked <host>", "Show outbound blocking rules", "blocked", (*firewall.Service).BlockList))
	rootCmd.AddCommand(readCommand("ssh-port <host>", "Show the SSH port the script reports", "ssh-port", (*firewall.Service).ManagementPort))
	rootCmd.AddCommand(readCommand("defense <host>", "Show DDoS defense status", "defense", (*firewall.Service).DefenseStatus))
	rootCmd.AddCommand(readCommand("refresh <host>", "Re-read every rule field into the cache", "refresh", (*firewall.Service).Refresh))
	rootCmd.AddCommand(changeCommand("allow-ports <host> <ports>", "Allow inbound ports, e.g. 80,443 or 8000-8100", "allow-ports", (*firewall.Service).AllowPorts))
	rootCmd.AddCommand(changeCommand("disallow-ports <host> <ports>", "Withdraw inbound ports (the management port is refused)", "disallow-ports", (*firewall.Service).DisallowPorts))
	rootCmd.AddCommand(changeCommand("allow-ips <host> <ips>", "Allow inbound IPs, comma separated", "allow-ips", (*firewall.Service).AllowIPs))
	rootCmd.AddCommand(changeCommand("disallow-ips <host> <ips>", "Withdraw inbound IPs", "disallow-ips", (*firewall.Service).DisallowIPs))
	rootCmd.AddCommand(protectPortCmd, ipListCmd, deployCmd)
	rootCmd.AddCommand(cacheCmd, applyCmd, validateCmd, stepsCmd, agentCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// hostOp runs fn against a host. connect opens the session first, which
// every operation touching the host needs.
func hostOp(connect bool, name string, fn func(ctx context.Context, a *app, hostID string) firewall.Response) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		hostID := args[0]
		if connect {
			if r := a.svc.Connect(ctx, hostID); !r.Success {
				return a.print("connect", r)
			}
		}
		return a.print(name, fn(ctx, a, hostID))
	}
}

func readCommand(use, short, name string, read func(*firewall.Service, context.Context, string) firewall.Response) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `.

Served from the cache while it is fresh; use --fresh to force a read.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fresh, _ := cmd.Flags().GetBool("fresh")
			return hostOp(true, name, func(ctx context.Context, a *app, hostID string) firewall.Response {
				if fresh {
					a.svc.InvalidateCache(ctx, hostID)
				}
				return read(a.svc, ctx, hostID)
			})(cmd, args)
		},
	}
	cmd.Flags().Bool("fresh", false, "Ignore cached state and read from the host")
	return cmd
}

func changeCommand(use, short, name string, change func(*firewall.Service, context.Context, string, string) firewall.Response) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hostOp(true, name, func(ctx context.Context, a *app, hostID string) firewall.Response {
				return change(a.svc, ctx, hostID, args[1])
			})(cmd, args)
		},
	}
}

var connectCmd = &cobra.Command{
	Use:   "connect <host>",
	Short: "Open a session and report its health",
	Args:  cobra.ExactArgs(1),
	RunE: hostOp(false, "connect", func(ctx context.Context, a *app, hostID string) firewall.Response {
		return a.svc.Connect(ctx, hostID)
	}),
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <host>",
	Short: "Close the session of a host",
	Args:  cobra.ExactArgs(1),
	RunE: hostOp(false, "disconnect", func(ctx context.Context, a *app, hostID string) firewall.Response {
		return a.svc.Disconnect(ctx, hostID)
	}),
}

var execCmd = &cobra.Command{
	Use:   "exec <host> -- <command...>",
	Short: "Run a shell command on a host",
	Long: `Run a raw shell command on a host with the configured timeout and
retry policy. The exit code is reported; a non-zero exit fails.

Examples:
  nftgate exec fw-1 -- nft list ruleset
  nftgate exec fw-1 -- 'systemctl status nftables'`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args[1:], " ")
		return hostOp(true, "exec", func(ctx context.Context, a *app, hostID string) firewall.Response {
			return a.svc.RunCommand(ctx, hostID, command)
		})(cmd, args)
	},
}

var actionCmd = &cobra.Command{
	Use:   "action <host> <code|name> [params...]",
	Short: "Run any script action by code or name",
	Long: `Run a catalogue action of the firewall script. See 'nftgate actions'.

Examples:
  nftgate action fw-1 15 80,443
  nftgate action fw-1 block-keyword torrent
  nftgate action fw-1 list-blocked`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := script.ParseAction(args[1])
		if err != nil {
			return err
		}
		return hostOp(true, action.String(), func(ctx context.Context, a *app, hostID string) firewall.Response {
			return a.svc.RunAction(ctx, hostID, action, args[2:]...)
		})(cmd, args)
	},
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List the script action catalogue",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return outputFor().JSON(script.Actions())
		}
		outputFor().Actions(script.Actions())
		return nil
	},
}
