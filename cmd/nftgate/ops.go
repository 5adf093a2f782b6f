package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/eugenetaranov/nftgate/internal/firewall"
)

var protectPortCmd = &cobra.Command{
	Use:   "protect-port <host> <port>",
	Short: "Rate-limit connections to one port",
	Long: `Apply DDoS protection to one port. Limits left at zero take the
defaults: 400 connections, 400 per minute, 300 per second, 24h bans.

Examples:
  nftgate protect-port fw-1 443
  nftgate protect-port fw-1 53 --proto udp --max-rate-sec 100`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		p := firewall.Protection{Port: port}
		flags := cmd.Flags()
		proto, _ := flags.GetString("proto")
		switch proto {
		case "tcp":
			p.Proto = firewall.ProtoTCP
		case "udp":
			p.Proto = firewall.ProtoUDP
		case "both":
			p.Proto = firewall.ProtoBoth
		}
		p.MaxConn, _ = flags.GetInt("max-conn")
		p.MaxRateMin, _ = flags.GetInt("max-rate-min")
		p.MaxRateSec, _ = flags.GetInt("max-rate-sec")
		p.BanHours, _ = flags.GetInt("ban-hours")

		return hostOp(true, "protect-port", func(ctx context.Context, a *app, hostID string) firewall.Response {
			return a.svc.ProtectPort(ctx, hostID, p)
		})(cmd, args)
	},
}

func init() {
	protectPortCmd.Flags().String("proto", "tcp", "Protocol: tcp, udp or both")
	protectPortCmd.Flags().Int("max-conn", 0, "Concurrent connections per source")
	protectPortCmd.Flags().Int("max-rate-min", 0, "New connections per minute per source")
	protectPortCmd.Flags().Int("max-rate-sec", 0, "New connections per second per source")
	protectPortCmd.Flags().Int("ban-hours", 0, "Ban length for offenders")
}

var ipListCmd = &cobra.Command{
	Use:   "ip-list <host> <add-white|add-black|remove-white|remove-black> <ip>",
	Short: "Edit the defense black and white lists",
	Long: `Add an IPv4 address or network to, or remove it from, the defense
lists. --duration bounds how long an entry lasts.

Examples:
  nftgate ip-list fw-1 add-black 203.0.113.7 --duration 12h
  nftgate ip-list fw-1 add-white 10.0.0.0/8`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := firewall.ParseIPListOp(args[1])
		if err != nil {
			return err
		}
		duration, _ := cmd.Flags().GetDuration("duration")

		return hostOp(true, "ip-list", func(ctx context.Context, a *app, hostID string) firewall.Response {
			return a.svc.ManageIPList(ctx, hostID, op, args[2], int(duration/time.Second))
		})(cmd, args)
	},
}

func init() {
	ipListCmd.Flags().Duration("duration", 0, "Entry lifetime, e.g. 12h (0: until removed)")
}

var deployCmd = &cobra.Command{
	Use:   "deploy <host>",
	Short: "Install and initialize the firewall script",
	Long: `Download the script on the host (primary source first, or the
fallback when the primary is unreachable), copy it to the privileged
location and run its initialization. Progress is streamed as it happens.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return hostOp(true, "deploy", func(ctx context.Context, a *app, hostID string) firewall.Response {
			if jsonOutput {
				return a.svc.Deploy(ctx, hostID, nil)
			}
			a.out.Section("DEPLOY " + hostID)
			return a.svc.Deploy(ctx, hostID, a.out)
		})(cmd, args)
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and edit the local rule state cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show <host>",
	Short: "Show the cached state of a host",
	Args:  cobra.ExactArgs(1),
	RunE: hostOp(false, "cache", func(ctx context.Context, a *app, hostID string) firewall.Response {
		return a.svc.CacheEntry(ctx, hostID)
	}),
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <host> [fields...]",
	Short: "Drop cached fields, or the whole entry",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return hostOp(false, "cache clear", func(ctx context.Context, a *app, hostID string) firewall.Response {
			return a.svc.InvalidateCache(ctx, hostID, args[1:]...)
		})(cmd, args)
	},
}

var cacheSetCmd = &cobra.Command{
	Use:   "set <host> <field> <json>",
	Short: "Overwrite one cached field",
	Long: `Overwrite one cached field with a JSON value. Plain text that is not
valid JSON is stored as a string.

Examples:
  nftgate cache set fw-1 inboundIPs '["10.0.0.1"]'
  nftgate cache set fw-1 blockList 'BT: on'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var value any
		if err := json.Unmarshal([]byte(args[2]), &value); err != nil {
			value = args[2]
		}
		return hostOp(false, "cache set", func(ctx context.Context, a *app, hostID string) firewall.Response {
			return a.svc.SetCacheField(ctx, hostID, args[1], value)
		})(cmd, args)
	},
}

func init() {
	cacheCmd.AddCommand(cacheShowCmd, cacheClearCmd, cacheSetCmd)
}
