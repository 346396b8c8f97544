// Command gatewayd runs the device gateway: the TLS-terminating WebSocket
// listener pool, the sharded registry, the command coordinator, and the
// notification channel, wired together per the composition in
// cmd/blizzardgw/main.go but generalized into a cobra CLI the way the rest
// of the XMiDT tool family is shaped.
package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xmidt-org/sallust"
	"go.uber.org/zap"

	"github.com/stepherg/blizzardgw/internal/bridge"
	"github.com/stepherg/blizzardgw/internal/command"
	"github.com/stepherg/blizzardgw/internal/config"
	"github.com/stepherg/blizzardgw/internal/device"
	"github.com/stepherg/blizzardgw/internal/events"
	"github.com/stepherg/blizzardgw/internal/notify"
	"github.com/stepherg/blizzardgw/internal/reactor"
	"github.com/stepherg/blizzardgw/internal/registry"
	"github.com/stepherg/blizzardgw/internal/store"
	"github.com/stepherg/blizzardgw/internal/wsconn"
)

// version is set at release time via -ldflags; it reads "dev" in builds
// that do not set it.
var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Device gateway: TLS WebSocket termination, registry, and command dispatch",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML/JSON/TOML config file")

	root.AddCommand(newServeCmd(&configFile))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gatewayd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start accepting device connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cfg)
		},
	}
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	sc := sallust.Config{Level: cfg.LogLevel}
	return sc.Build()
}

func runServe(cfg config.Config) error {
	log, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus()
	reg := registry.New(cfg.SessionTimeout, bus)
	reg.SetLogger(log.Named("registry"))

	coord := command.New(st)
	coord.SetLogger(log.Named("command"))

	disp := &device.Dispatcher{
		Registry:      reg,
		Store:         st,
		Coordinator:   coord,
		Bus:           bus,
		Log:           log.Named("device"),
		MismatchDepth: cfg.CertMismatchDepth,
		AllowMismatch: cfg.CertAllowMismatch,
		Provisioning:  cfg.Provisioning(),
	}

	maxReactors := cfg.MaxReactors
	if maxReactors <= 0 {
		maxReactors = 5
	}
	pool := reactor.New(maxReactors, 256)
	defer pool.Stop()

	issuer, err := loadIssuer(cfg)
	if err != nil {
		return fmt.Errorf("load issuer certificate: %w", err)
	}

	manager := wsconn.NewManager(cfg, reg, disp, coord, pool, issuer, log.Named("wsconn"))

	notifyChannel := notify.New(notify.Config{
		Enable:         cfg.Notify.Enable,
		ArgusURL:       cfg.Notify.ArgusURL,
		Bucket:         cfg.Notify.Bucket,
		AuthBasic:      cfg.Notify.AuthBasic,
		CallbackURL:    cfg.Notify.CallbackURL,
		Events:         cfg.Notify.Events,
		DeviceMatchers: cfg.Notify.DeviceMatchers,
		Duration:       cfg.Notify.Duration,
		Retries:        cfg.Notify.Retries,
	}, log.Named("notify"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := notifyChannel.Start(ctx); err != nil {
		log.Warn("notification channel registration failed, continuing without it", zap.Error(err))
	}

	if cfg.Bridge.Enable {
		wrpClient := bridge.NewClient(cfg.Bridge.URL, cfg.Bridge.Auth)
		wrpClient.Log = log.Named("bridge.client")
		br := bridge.New(bridge.Config{
			Enable:   true,
			Source:   cfg.Bridge.Source,
			Services: cfg.Bridge.Services,
			Timeout:  cfg.Bridge.Timeout,
		}, wrpClient, log.Named("bridge"))
		go br.Run(ctx, bus)
	}

	gcLoop := newGCTicker(reg, notifyChannel, log.Named("gc"))
	go gcLoop.run(ctx)

	log.Info("gatewayd starting", zap.Int("listeners", len(cfg.Listeners)), zap.Int("reactors", maxReactors))
	return manager.Serve(ctx, cfg.Listeners)
}

func loadIssuer(cfg config.Config) (*x509.Certificate, error) {
	for _, lc := range cfg.Listeners {
		if lc.IssuerFile == "" {
			continue
		}
		raw, err := os.ReadFile(lc.IssuerFile)
		if err != nil {
			return nil, err
		}
		cert, err := parseIssuerPEM(raw)
		if err != nil {
			return nil, err
		}
		return cert, nil
	}
	return nil, nil
}

func parseIssuerPEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in issuer file")
	}
	return x509.ParseCertificate(block.Bytes)
}

// gcTicker runs the periodic registry.GC sweep: a lightweight tick every
// 10s, escalating to a full 256-shard reap every 20s (§4.C, §6
// openwifi.session.timeout).
type gcTicker struct {
	registry *registry.Registry
	notify   *notify.Channel
	log      *zap.Logger
	lastFull time.Time
}

func newGCTicker(reg *registry.Registry, ch *notify.Channel, log *zap.Logger) *gcTicker {
	return &gcTicker{registry: reg, notify: ch, log: log}
}

func (g *gcTicker) run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			full := now.Sub(g.lastFull) >= 20*time.Second
			stats := g.registry.GC(now, full)
			if full {
				g.lastFull = now
				if g.notify != nil {
					g.notify.NumberOfConnections(stats)
				}
				g.log.Debug("gc tick",
					zap.Int("connected", stats.Connected),
					zap.Int("connecting", stats.Connecting),
					zap.Int("reaped", stats.Reaped))
			}
		}
	}
}
