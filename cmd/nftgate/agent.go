package main

import (
	"github.com/spf13/cobra"

	"github.com/eugenetaranov/nftgate/internal/agent"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the long-lived management agent",
	Long: `Connect every registered host and keep the sessions open. The agent
refreshes cached rule state every agent.refresh_interval and serves:

  /metrics            Prometheus metrics
  /healthz            session health per host
  /ws/deploy?host=ID  deploy a host, streaming progress over WebSocket`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext()
		defer cancel()

		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = a.cfg.Agent.Listen
		}

		return agent.New(a.svc, a.sessions, a.hosts,
			agent.WithRefreshInterval(a.cfg.Agent.RefreshInterval),
			agent.WithLogger(a.log),
			agent.WithMetrics(a.metrics),
		).Run(ctx, listen)
	},
}

func init() {
	agentCmd.Flags().String("listen", "", "Listen address (default: agent.listen from config)")
}
