// Command overlayd is the Peer Manager daemon: it loads a node identity and
// configuration, wires the default QUIC direct transport and WebRTC
// assisted transport, and runs the overlay until a termination signal
// arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weavemesh/overlay"
	"github.com/weavemesh/overlay/internal/config"
	"github.com/weavemesh/overlay/internal/cryptobox"
	"github.com/weavemesh/overlay/internal/identity"
	"github.com/weavemesh/overlay/overlay"
	"github.com/weavemesh/overlay/transport/quicdirect"
	"github.com/weavemesh/overlay/transport/webrtcassisted"
)

// version is set at build time via -ldflags.
var version = "dev"

// protocolVersion is the wire protocol this build speaks; bump alongside
// any breaking change to overlay/messages.go's envelope format.
const protocolVersion = "1"

func main() {
	root := &cobra.Command{
		Use:     "overlayd",
		Short:   "Peer Manager daemon",
		Version: version,
	}
	root.AddCommand(runCmd())
	root.AddCommand(whoamiCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var listenPort uint16

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the overlay daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configPath, listenPort)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "overlay.yaml", "path to configuration file")
	cmd.Flags().Uint16Var(&listenPort, "port", 4242, "UDP port for the direct (QUIC) transport")
	return cmd
}

func whoamiCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Print this node's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			id, _, err := identity.FromKeyFile(cfg.IdentityKeyFile)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Println(id.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "overlay.yaml", "path to configuration file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runDaemon(ctx context.Context, configPath string, port uint16) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	id, priv, err := identity.FromKeyFile(cfg.IdentityKeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	slog.Info("overlayd starting", "identity", id.String(), "version", version)

	tlsConfig, err := generateSelfSignedTLS(id.String())
	if err != nil {
		return fmt.Errorf("generate tls certificate: %w", err)
	}

	direct := quicdirect.New(tlsConfig)
	assisted := webrtcassisted.New(nil)

	local := &overlay.LocalPeer{
		Identity: id,
		Version:  overlay.Version{Agent: "overlayd", ProtocolVersion: protocolVersion, Client: version},
		Port:     port,
		IsWorker: cfg.IsWorker,
		Crypto:   cryptobox.New(priv),
		Direct:   direct,
		Assisted: assisted,
	}

	mtx := overlay.NewMetrics()
	mgr := overlay.NewManager(cfg, local, mtx)

	if err := direct.Listen(ctx, "0.0.0.0", port, func(handle overlay.TransportHandle, addr string) {
		mgr.AcceptInboundDirect(handle, addr)
	}); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	mgr.Start(ctx)
	defer mgr.Stop()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:    cfg.Metrics.ListenAddress,
			Handler: mtx.Handler(),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Warn("metrics server stopped", "error", err)
			}
		}()
		slog.Info("metrics listening", "address", cfg.Metrics.ListenAddress)
	}

	slog.Info("overlayd ready", "port", port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	_ = direct.Close()

	return nil
}
