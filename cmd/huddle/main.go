package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Operative-001/huddle/internal/config"
	"github.com/Operative-001/huddle/internal/logger"
	"github.com/Operative-001/huddle/internal/metrics"
	"github.com/Operative-001/huddle/internal/node"
	"github.com/Operative-001/huddle/internal/peer"
	"github.com/Operative-001/huddle/internal/transport"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "Encrypted group chat for the local network.",
	Long: `huddle: serverless group messaging on a LAN.

Peers find each other by multicast announcements. One peer creates a group;
others join it and receive the group key wrapped to a one-time X25519 key.
Messages are encrypted under the group key and sent to every live member.`,
	SilenceUsage: true,
}

// ─── run ─────────────────────────────────────────────────────────────────────

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a node and the interactive console",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := logger.SetLevel(cfg.LogLevel); err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var m *metrics.Metrics
		if cfg.MetricsAddr != "" {
			m = metrics.New()
			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Named("metrics").Warnw("metrics server", "err", err)
				}
			}()
			defer srv.Close() //nolint:errcheck
		}

		tr := transport.NewUDP(transport.UDPConfig{
			Group:     cfg.MulticastGroup,
			Port:      cfg.Port,
			Interface: cfg.Interface,
			Logger:    logger.Named("transport"),
		})
		n, err := node.New(node.Config{
			Transport:        tr,
			Metrics:          m,
			AnnounceInterval: cfg.AnnounceInterval,
			LivenessTimeout:  cfg.LivenessTimeout,
			JoinTimeout:      cfg.JoinTimeout,
			DedupWindow:      cfg.DedupWindow,
			DedupTTL:         cfg.DedupTTL,
		})
		if err != nil {
			return err
		}
		if err := n.Start(ctx); err != nil {
			return err
		}
		defer n.Stop() //nolint:errcheck

		con := newConsole(n, os.Stdout)
		go con.printEvents(n.Events())

		fmt.Printf("\n  Identity  : %s\n", n.ID())
		fmt.Printf("  Address   : %s\n", n.Status().Addr)
		fmt.Printf("  Multicast : %s:%d\n", cfg.MulticastGroup, cfg.Port)
		if cfg.MetricsAddr != "" {
			fmt.Printf("  Metrics   : http://%s/metrics\n", cfg.MetricsAddr)
		}
		fmt.Println()
		return con.Run(ctx, os.Stdin)
	},
}

// ─── id ──────────────────────────────────────────────────────────────────────

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print a fresh peer id (ids are not persisted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := peer.NewID()
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

// ─── version ─────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("huddle", version)
	},
}

// loadConfig resolves .env/environment settings and applies any flags the
// operator set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	f := cmd.Flags()
	envFile, _ := f.GetString("env")
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, err
	}
	if f.Changed("port") {
		cfg.Port, _ = f.GetInt("port")
	}
	if f.Changed("group") {
		cfg.MulticastGroup, _ = f.GetString("group")
	}
	if f.Changed("iface") {
		cfg.Interface, _ = f.GetString("iface")
	}
	if f.Changed("interval") {
		cfg.AnnounceInterval, _ = f.GetDuration("interval")
	}
	if f.Changed("liveness") {
		cfg.LivenessTimeout, _ = f.GetDuration("liveness")
	}
	if f.Changed("join-timeout") {
		cfg.JoinTimeout, _ = f.GetDuration("join-timeout")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = f.GetString("metrics-addr")
	}
	return cfg, cfg.Validate()
}

func init() {
	d := config.Default()
	f := runCmd.Flags()
	f.String("env", ".env", "Env file with HUDDLE_* settings (missing file is ignored)")
	f.Int("port", d.Port, "Multicast port shared by all nodes")
	f.String("group", d.MulticastGroup, "IPv4 multicast group for announcements")
	f.String("iface", "", "Network interface (default: system route)")
	f.Duration("interval", d.AnnounceInterval, "Announce interval")
	f.Duration("liveness", d.LivenessTimeout, "Evict peers silent for this long")
	f.Duration("join-timeout", d.JoinTimeout, "How long a join waits for a response")
	f.String("log-level", d.LogLevel, "Log level: warn, info, debug")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)")

	rootCmd.AddCommand(runCmd, idCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
