package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sebas/callcapture/internal/banner"
	"github.com/sebas/callcapture/internal/capture/app"
	"github.com/sebas/callcapture/internal/capture/config"
	"github.com/sebas/callcapture/internal/logger"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "callcapture",
		Short:        "Correlates controller call events and captures their media",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newConfigCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.New(), configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newConfigCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.New(), configFile, cmd.Flags())
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger.Setup(cfg.Log.Format, cfg.Log.Level, os.Stdout)

	banner.Print(os.Stdout, "Call Capture Orchestrator", []banner.ConfigLine{
		{Label: "Controller", Value: cfg.ARI.URL},
		{Label: "Application", Value: cfg.ARI.App},
		{Label: "HTTP API", Value: cfg.API.Addr},
		{Label: "gRPC health", Value: orNone(cfg.GRPC.Addr)},
		{Label: "Store", Value: orNone(cfg.Store.Path)},
		{Label: "RTP fan-out", Value: orNone(cfg.RTP.Fanout)},
		{Label: "Dial-out", Value: fmt.Sprintf("%t", cfg.Capture.DialEnabled)},
	})
	logNetworkInterfaces()

	orch, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to create capture orchestrator", "error", err)
		return err
	}
	defer func() {
		if err := orch.Close(); err != nil {
			slog.Error("Shutdown incomplete", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting capture orchestrator", "version", version)
	if err := orch.Start(ctx); err != nil {
		slog.Error("Server error", "error", err)
		return err
	}
	slog.Info("Received signal, shutting down")
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
