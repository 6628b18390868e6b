package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/ryandielhenn/shardmesh/config"
	"github.com/ryandielhenn/shardmesh/discovery"
	"github.com/ryandielhenn/shardmesh/internal/telemetry"
	"github.com/ryandielhenn/shardmesh/pkg/kv"
	"github.com/ryandielhenn/shardmesh/pkg/messaging"
	"github.com/ryandielhenn/shardmesh/pkg/node"
	"github.com/ryandielhenn/shardmesh/pkg/ring"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	// 1. Initialize the messaging hub and this node's routing ring/store.
	hub := messaging.NewHub(messaging.HubConfig{
		RPCTimeout:    cfg.RPCTimeout,
		Authenticator: cfg.Authenticator,
		Metrics:       telemetry.MessagingMetrics{},
		Logger:        logger,
	})
	storageAddr := net.JoinHostPort(cfg.ListenAddress, fmt.Sprint(cfg.StoragePort))
	if err := hub.Listen(storageAddr); err != nil {
		logger.Fatal("binding messaging hub", zap.Error(err))
	}
	hub.WaitUntilListening()

	store := kv.NewStore(64 << 20) // 64MB default cap
	r := ring.New(128, ring.FNV32a)

	selfAddr := net.JoinHostPort(cfg.BroadcastAddress, fmt.Sprint(cfg.StoragePort))
	n := node.New(node.Config{
		Store:             store,
		Ring:              r,
		Hub:               hub,
		SelfID:            cfg.SelfID,
		Addr:              selfAddr,
		ReplicationFactor: cfg.ReplicationFactor,
		Logger:            logger,
	})
	r.Add(cfg.SelfID, selfAddr)

	// 2. Connect to etcd for peer discovery.
	logger.Info("connecting to etcd", zap.Strings("endpoints", cfg.EtcdEndpoints))
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		logger.Fatal("creating etcd client", zap.Error(err))
	}
	defer cli.Close()

	// 3. Register this node and watch for peer changes; every observed
	// peer becomes a ring member.
	leaseID, cancelLease, err := discovery.RegisterNode(cli, cfg.SelfID, selfAddr, 10)
	if err != nil {
		logger.Fatal("registering with etcd", zap.Error(err))
	}
	defer func() {
		cancelLease()
		_, _ = cli.Revoke(context.Background(), leaseID)
	}()

	if err := discovery.WatchPeers(cli, func(peers map[string]string) {
		n.ClearPeers()
		r.Add(cfg.SelfID, selfAddr)
		for id, addr := range peers {
			if id == cfg.SelfID {
				continue
			}
			logger.Debug("peer update", zap.String("id", id), zap.String("addr", addr))
			n.AddPeer(id, addr)
		}
	}); err != nil {
		logger.Fatal("watching peers", zap.Error(err))
	}

	if err := n.Start(); err != nil {
		logger.Fatal("starting node", zap.Error(err))
	}
	defer n.Stop()

	// 4. Wire up the HTTP debug surface: health, info, metrics, and the
	// KV endpoints (which route cross-node traffic over the messaging
	// hub rather than HTTP).
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.HandleFunc("/info", n.Info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, req *http.Request) {
		op := methodToOp(req.Method)
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				n.Put(w, r)
			case http.MethodGet:
				n.Get(w, r)
			case http.MethodDelete:
				n.Del(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	logger.Info("shardmesh node listening",
		zap.String("id", cfg.SelfID), zap.String("storage_addr", storageAddr), zap.String("http_addr", httpAddr))
	if err := http.ListenAndServe(httpAddr, mux); err != nil {
		logger.Fatal("http server exited", zap.Error(err))
	}
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}
