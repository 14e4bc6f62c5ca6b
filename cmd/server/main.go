package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlog/discovery"
	"github.com/ryandielhenn/zephyrlog/internal/config"
	"github.com/ryandielhenn/zephyrlog/internal/logging"
	"github.com/ryandielhenn/zephyrlog/internal/telemetry"
	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/node"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "zephyrlog",
	Short: "ZephyrLog storage node",
	Long: `A storage node that coordinates shard rebuildings with its peers and
announces its own graceful shutdown so they can stop reading from it.`,
	SilenceUsage: true,
}

type startFlags struct {
	configPath  string
	nodeIndex   int
	generation  uint16
	listen      string
	advertise   string
	httpAddr    string
	etcd        []string
	peers       map[string]string
	workers     int
	replication int
	minProto    uint16
	maxProto    uint16
	logLevel    string
	logFormat   string
}

var flags startFlags

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a node",
	Long: `Start a node.

Configuration is read from --config, then ZEPHYR_* environment variables,
then flags.

Examples:
  # Start a node with etcd discovery
  zephyrlog start --node-index=1 --listen=:4440 --etcd=http://etcd:2379

  # Start a node with a static peer
  zephyrlog start --node-index=2 --listen=:4441 --http=:8081 --peer=1=127.0.0.1:4440`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	f := startCmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "YAML config file")
	f.IntVarP(&flags.nodeIndex, "node-index", "n", -1, "Node index in the cluster")
	f.Uint16Var(&flags.generation, "generation", 1, "Node generation")
	f.StringVarP(&flags.listen, "listen", "l", config.DefaultListenAddr, "Transport listen address")
	f.StringVar(&flags.advertise, "advertise", "", "Transport address announced to peers")
	f.StringVar(&flags.httpAddr, "http", config.DefaultHTTPAddr, "Admin HTTP address")
	f.StringSliceVar(&flags.etcd, "etcd", nil, "etcd endpoints (comma-separated)")
	f.StringToStringVar(&flags.peers, "peer", nil, "Static peers as index=host:port")
	f.IntVarP(&flags.workers, "workers", "w", 4, "Worker goroutines")
	f.IntVarP(&flags.replication, "replication", "r", config.DefaultReplication, "Donors per rebuilding")
	f.Uint16Var(&flags.minProto, "min-proto", 0, "Lowest protocol version accepted")
	f.Uint16Var(&flags.maxProto, "max-proto", 0, "Highest protocol version spoken")
	f.StringVar(&flags.logLevel, "log-level", "info", "Log level")
	f.StringVar(&flags.logFormat, "log-format", "json", "Log format: json or console")
}

// loadConfig layers file, environment and explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("node-index") {
		cfg.NodeIndex = flags.nodeIndex
	}
	if f.Changed("generation") {
		cfg.Generation = flags.generation
	}
	if f.Changed("listen") {
		cfg.ListenAddr = flags.listen
	}
	if f.Changed("advertise") {
		cfg.AdvertiseAddr = flags.advertise
	}
	if f.Changed("http") {
		cfg.HTTPAddr = flags.httpAddr
	}
	if f.Changed("etcd") {
		cfg.Etcd.Endpoints = flags.etcd
	}
	if f.Changed("peer") {
		if cfg.Peers == nil {
			cfg.Peers = map[int]string{}
		}
		for k, v := range flags.peers {
			idx, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("--peer %s: %w", k, err)
			}
			cfg.Peers[idx] = v
		}
	}
	if f.Changed("workers") {
		cfg.Workers = flags.workers
	}
	if f.Changed("replication") {
		cfg.Replication = flags.replication
	}
	if f.Changed("min-proto") {
		cfg.MinProto = flags.minProto
	}
	if f.Changed("max-proto") {
		cfg.MaxProto = flags.maxProto
	}
	if f.Changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	// 1. Initialize this node
	n, err := node.New(cfg, log)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Discovery: bootstrap peers, register, watch
	if len(cfg.Etcd.Endpoints) > 0 {
		stopDiscovery, err := startDiscovery(ctx, cfg, n, log)
		if err != nil {
			n.Stop()
			return err
		}
		defer stopDiscovery()
	}

	// 3. Admin HTTP
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: n.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("admin http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin http failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.Stringer("signal", s))

	// Peers hear about the shutdown before connections go away.
	n.Stop()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownWait)
	defer done()
	return srv.Shutdown(shutdownCtx)
}

func startDiscovery(ctx context.Context, cfg *config.Config, n *node.Node, log *zap.Logger) (func(), error) {
	log = log.Named("discovery")
	cli, err := discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	log.Info("created etcd client", zap.Strings("endpoints", cli.Endpoints()))

	peers, rev, err := discovery.GetPeers(ctx, cli, log)
	if err != nil {
		cli.Close()
		return nil, err
	}
	n.SetPeers(addrs(peers))

	self := discovery.Entry{
		Index:      n.Self().Index,
		Addr:       cfg.Advertise(),
		Generation: n.Self().Generation,
		Instance:   n.Instance(),
	}
	leaseID, cancelLease, err := discovery.RegisterNode(ctx, cli, self, cfg.Etcd.LeaseTTL, log)
	if err != nil {
		cli.Close()
		return nil, err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	go discovery.WatchPeers(watchCtx, cli, peers, rev, log, func(p map[message.NodeIndex]discovery.Entry) {
		n.SetPeers(addrs(p))
	})

	return func() {
		stopWatch()
		cancelLease()
		revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Revoke(revokeCtx, leaseID); err != nil {
			log.Warn("lease revoke failed", zap.Error(err))
		}
		cli.Close()
	}, nil
}

func addrs(peers map[message.NodeIndex]discovery.Entry) map[message.NodeIndex]string {
	out := make(map[message.NodeIndex]string, len(peers))
	for idx, e := range peers {
		out[idx] = e.Addr
	}
	return out
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
