package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/breenix/breenix-go/kernel"
	"github.com/breenix/breenix-go/klog"
)

var (
	serveDebugAddr   string
	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot a kernel instance and serve its debug/metrics HTTP surface",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDebugAddr, "debug-addr", ":8080", "address for the debug/introspection API")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", ":9090", "address for the /metrics endpoint")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	k, err := kernel.Boot(kernel.Config{})
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	reg := k.Metrics()
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", reg.Handler())
	metricsSrv := &http.Server{Addr: serveMetricsAddr, Handler: metricsMux}

	debugSrv := &http.Server{Addr: serveDebugAddr, Handler: k.DebugServer().Router()}

	go func() {
		klog.Default().Info("serving metrics", "addr", serveMetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Default().Error("metrics server stopped", "err", err)
		}
	}()

	stopTicker := k.RunTicker(10 * time.Millisecond)
	go func() {
		<-GetContext().Done()
		stopTicker()
	}()

	klog.Default().Info("serving debug API", "addr", serveDebugAddr)
	if err := debugSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
