package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bytedance/ps-lite/internal/telemetry"
	"github.com/bytedance/ps-lite/pkg/registry"
	"github.com/bytedance/ps-lite/pkg/store"
	"github.com/bytedance/ps-lite/pkg/van"
)

func main() {
	id := flag.Int("id", 8, "node id")
	host := flag.String("host", hostnameOrDie(), "hostname peers reach this node at")
	port := flag.Int("port", 9010, "fabric port to bind")
	maxRetry := flag.Int("max-retry", 40, "bind retries on a busy port")
	etcdEndpoints := flag.String("etcd", "http://127.0.0.1:2379", "comma-separated etcd endpoints")
	metricsAddr := flag.String("metrics", ":8080", "http address for /metrics and /healthz")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	node := van.Node{ID: *id, Role: van.RoleServer, Hostname: *host, Port: *port}
	fabric, err := newFabric(logger)
	if err != nil {
		logger.Fatal("fabric", zap.Error(err))
	}

	v := van.New(fabric, node, logger)
	if err := v.Start(0); err != nil {
		logger.Fatal("van start", zap.Error(err))
	}
	boundPort := v.Bind(*maxRetry)
	if boundPort < 0 {
		logger.Fatal("bind failed", zap.Int("port", *port), zap.Int("max_retry", *maxRetry))
	}
	node.Port = boundPort
	logger.Info("listening", zap.Int("node", node.ID), zap.Int("port", boundPort))

	// announce this node and connect to every known peer
	cli, err := registry.NewClient(strings.Split(*etcdEndpoints, ","))
	if err != nil {
		logger.Fatal("etcd client", zap.Error(err))
	}
	defer cli.Close()

	leaseID, cancelLease, err := registry.RegisterNode(cli, node, 10)
	if err != nil {
		logger.Fatal("register node", zap.Error(err))
	}
	defer func() {
		cancelLease()
		_, _ = cli.Revoke(context.TODO(), leaseID)
	}()

	peers, err := registry.GetPeers(cli)
	if err != nil {
		logger.Fatal("list peers", zap.Error(err))
	}
	for _, peer := range peers {
		if peer.ID == node.ID {
			continue
		}
		if err := v.Connect(peer); err != nil {
			logger.Warn("connect", zap.Int("peer", peer.ID), zap.Error(err))
		}
	}

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	registry.WatchPeers(watchCtx, cli, func(peer van.Node, departed bool) {
		if departed || peer.ID == node.ID {
			return
		}
		logger.Info("peer joined", zap.Int("peer", peer.ID))
		if err := v.Connect(peer); err != nil {
			logger.Warn("connect", zap.Int("peer", peer.ID), zap.Error(err))
		}
	})

	params := store.New()
	go serveHTTP(*metricsAddr, params, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(v, params, logger)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case <-done:
	}
	v.Stop()
}

// serve answers push and pull requests out of the parameter store until
// the van stops or a terminate control message arrives.
func serve(v *van.Van, params *store.Store, logger *zap.Logger) {
	// stable per-key response fields: the transport registers each data
	// field once, keyed by its base address
	type respFields struct {
		keys []byte
		lens []byte
	}
	fields := make(map[uint64]respFields)

	var req van.Message
	for {
		if _, err := v.RecvMsg(&req); err != nil {
			return
		}
		if !van.IsValidPushpull(&req) {
			if req.Meta.Control.Cmd == van.CmdTerminate {
				logger.Info("terminated by peer", zap.Int("peer", req.Meta.Sender))
				return
			}
			continue
		}

		resp := van.Message{}
		resp.Meta.Recver = req.Meta.Sender
		resp.Meta.Push = req.Meta.Push
		resp.Meta.Key = req.Meta.Key
		resp.Meta.AppID = req.Meta.AppID
		resp.Meta.Timestamp = req.Meta.Timestamp

		if req.Meta.Push {
			if err := params.Update(req.Meta.Key, req.Data[1]); err != nil {
				logger.Error("push rejected", zap.Uint64("key", req.Meta.Key), zap.Error(err))
				continue
			}
		} else {
			vals, ok := params.Get(req.Meta.Key)
			if !ok {
				logger.Error("pull of unknown key", zap.Uint64("key", req.Meta.Key))
				continue
			}
			f, ok := fields[req.Meta.Key]
			if !ok {
				f = respFields{keys: append([]byte(nil), req.Data[0]...), lens: lenField(len(vals))}
				fields[req.Meta.Key] = f
			}
			resp.Data = [][]byte{f.keys, vals, f.lens}
		}
		if _, err := v.SendMsg(&resp); err != nil {
			logger.Error("respond", zap.Int("peer", resp.Meta.Recver), zap.Error(err))
			return
		}
	}
}

func serveHTTP(addr string, params *store.Store, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			PID  int       `json:"pid"`
			Now  time.Time `json:"now"`
			Keys int       `json:"keys"`
		}
		data, _ := json.Marshal(resp{PID: os.Getpid(), Now: time.Now(), Keys: params.Len()})
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("http server", zap.Error(err))
	}
}

func lenField(n int) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func hostnameOrDie() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
