package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve Prometheus metrics for the approval queue",
	Long: `Serve /metrics and /healthz. The pending approval count is refreshed from
the store every --refresh interval. Runs expose their own metrics through
'flotilla run --metrics-addr'.`,
	Args: cobra.NoArgs,
	RunE: runMetrics,
}

func init() {
	metricsCmd.Flags().String("addr", "", "listen address (default metrics.addr)")
	metricsCmd.Flags().Duration("refresh", 15*time.Second, "queue depth refresh interval")
	rootCmd.AddCommand(metricsCmd)
}

func runMetrics(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	svc := newServices(cc)
	defer svc.Close()
	store, err := svc.Store()
	if err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cc.Config.Metrics.Addr
	}
	refresh, _ := cmd.Flags().GetDuration("refresh")
	if refresh <= 0 {
		refresh = 15 * time.Second
	}

	ctx := cmd.Context()
	bound, done, err := svc.serveMetrics(ctx, addr)
	if err != nil {
		return err
	}
	cc.Logger.Info("metrics endpoint ready", "url", "http://"+bound.String()+"/metrics")

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		// CountByStatus publishes the pending gauge
		if _, err := store.CountByStatus(ctx); err != nil && ctx.Err() == nil {
			cc.Logger.WithError(err).Warn("failed to refresh queue depth")
		}
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return <-done
		case <-ticker.C:
		}
	}
}
