// Command vrnode runs a single replica of a Viewstamped Replication
// cluster: it loads the cluster configuration, starts the RPC transport,
// wires up a replica engine over a tree state machine, and serves
// Prometheus metrics alongside it.
//
// Adapted from the teacher's queueserver.StartServer entrypoint (which
// combined a net/rpc listener, a database goroutine, and a level_log
// logger into one process), generalized to read its configuration from
// viper instead of hand-parsed flags and to log through zap instead of
// level_log, per the ambient stack described in SPEC_FULL.md.
package main

import (
	"context"
	"encoding/gob"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/replica"
	"github.com/corverroos/vrengine/statemachine"
	"github.com/corverroos/vrengine/transport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var configPath = flag.String("config", "vrnode", "config file name (without extension), searched on the usual viper paths")

func main() {
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("vrnode exited with error", zap.Error(err))
	}
}

// nodeConfig mirrors the on-disk/env configuration shape: which replica
// this process is, the full address table, and the policy knobs §9 leaves
// open for the deployment to set.
type nodeConfig struct {
	ReplicaID          int               `mapstructure:"replica_id"`
	Addresses          map[string]string `mapstructure:"addresses"`
	IdleTicksThreshold int               `mapstructure:"idle_ticks_threshold"`
	TickInterval       time.Duration     `mapstructure:"tick_interval"`
	MetricsAddr        string            `mapstructure:"metrics_addr"`
}

func loadConfig() (nodeConfig, error) {
	v := viper.New()
	v.SetConfigName(*configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vrengine")
	v.SetEnvPrefix("VRNODE")
	v.AutomaticEnv()

	v.SetDefault("idle_ticks_threshold", replica.DefaultOptions().IdleTicksThreshold)
	v.SetDefault("tick_interval", "100ms")
	v.SetDefault("metrics_addr", ":9090")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nodeConfig{}, errors.Wrap(err, "vrnode: read config")
		}
	}

	var nc nodeConfig
	if err := v.Unmarshal(&nc); err != nil {
		return nodeConfig{}, errors.Wrap(err, "vrnode: unmarshal config")
	}
	return nc, nil
}

func run(log *zap.Logger) error {
	nc, err := loadConfig()
	if err != nil {
		return err
	}

	addrs := make(map[config.ReplicaID]string, len(nc.Addresses))
	for idStr, addr := range nc.Addresses {
		id, err := parseReplicaID(idStr)
		if err != nil {
			return err
		}
		addrs[id] = addr
	}
	cfg, err := config.New(addrs)
	if err != nil {
		return errors.Wrap(err, "vrnode: build cluster configuration")
	}

	self := config.ReplicaID(nc.ReplicaID)
	trans, err := transport.NewRPCTransport(self, cfg, log)
	if err != nil {
		return errors.Wrap(err, "vrnode: start transport")
	}
	defer trans.Close()

	reg := prometheus.NewRegistry()
	met := replica.NewMetrics(reg, self)

	// TreeOp and TreeResult travel inside interface-typed fields
	// (Request.Op, oplog.Entry.Op, Reply.Result), so gob must know them.
	gob.Register(statemachine.TreeOp{})
	gob.Register(statemachine.TreeResult{})

	sm := statemachine.NewTree()
	opts := replica.Options{IdleTicksThreshold: nc.IdleTicksThreshold}
	rep := replica.New(self, cfg, sm, trans, opts, log, met)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: nc.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("vrnode starting", zap.Int("replica_id", int(self)), zap.Int("cluster_size", cfg.N()))
	go rep.Run(ctx, nc.TickInterval)

	<-ctx.Done()
	log.Info("vrnode shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func parseReplicaID(s string) (config.ReplicaID, error) {
	var id int
	if _, err := fmt.Sscan(s, &id); err != nil {
		return 0, errors.Wrapf(err, "vrnode: invalid replica id %q", s)
	}
	return config.ReplicaID(id), nil
}
