package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/bytedance/ps-lite/pkg/shm"
	"github.com/bytedance/ps-lite/pkg/store"
	"github.com/bytedance/ps-lite/pkg/van"
	"github.com/bytedance/ps-lite/pkg/verbs"
)

const (
	serverID = 8
	workerID = 9
)

func main() {
	n := flag.Int("n", 5000, "iterations per key")
	keys := flag.Int("keys", 8, "number of keys")
	valSize := flag.Int("val", 1<<20, "value size in bytes")
	mode := flag.String("mode", "pushpull", "pushpull | push | pull")
	ipc := flag.Bool("ipc", false, "exercise the shared-memory bypass")
	verify := flag.Bool("verify", false, "check pulled bytes against pushed bytes")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	serverHost, workerHost := "server-host", "worker-host"
	if *ipc {
		os.Setenv("BYTEPS_ENABLE_IPC", "1")
		workerHost = serverHost
	}

	hub := verbs.NewLoopback()
	server := van.New(hub.Host(serverHost), van.Node{ID: serverID, Role: van.RoleServer, Hostname: serverHost, Port: 9010}, logger)
	worker := van.New(hub.Host(workerHost), van.Node{ID: workerID, Role: van.RoleWorker, Hostname: workerHost, Port: 9011}, logger)

	must(server.Start(0))
	must(worker.Start(0))
	if server.Bind(0) < 0 || worker.Bind(0) < 0 {
		logger.Fatal("bind failed")
	}
	must(server.Connect(worker.Node()))
	must(worker.Connect(server.Node()))

	go serveStore(server, logger)

	vals := make([][]byte, *keys)
	var shmBase []byte
	if *ipc {
		partition := 4096000
		var err error
		shmBase, err = shm.Create(van.ShmPrefix+"0", partition*(*keys))
		must(err)
		defer shm.Unlink(van.ShmPrefix + "0")
		for k := range vals {
			vals[k] = shmBase[k*partition : k*partition+*valSize : k*partition+*valSize]
		}
	} else {
		for k := range vals {
			vals[k] = make([]byte, *valSize)
		}
	}
	for k := range vals {
		fill(vals[k], byte(k+1))
	}

	runWorker(worker, *n, *keys, vals, *mode, *verify, logger)

	worker.Stop()
	server.Stop()
}

// serveStore is the server's request loop over a parameter store.
func serveStore(v *van.Van, logger *zap.Logger) {
	params := store.New()
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
			continue
		}
		resp := van.Message{}
		resp.Meta.Recver = req.Meta.Sender
		resp.Meta.Push = req.Meta.Push
		resp.Meta.Key = req.Meta.Key
		resp.Meta.Timestamp = req.Meta.Timestamp

		if req.Meta.Push {
			if err := params.Update(req.Meta.Key, req.Data[1]); err != nil {
				logger.Fatal("push rejected", zap.Error(err))
			}
		} else {
			stored, ok := params.Get(req.Meta.Key)
			if !ok {
				logger.Fatal("pull before push", zap.Uint64("key", req.Meta.Key))
			}
			f, ok := fields[req.Meta.Key]
			if !ok {
				f = respFields{keys: keyField(req.Meta.Key), lens: lenField(len(stored))}
				fields[req.Meta.Key] = f
			}
			resp.Data = [][]byte{f.keys, stored, f.lens}
		}
		if _, err := v.SendMsg(&resp); err != nil {
			return
		}
	}
}

func runWorker(v *van.Van, n, numKeys int, vals [][]byte, mode string, verify bool, logger *zap.Logger) {
	keys := make([][]byte, numKeys)
	lens := make([][]byte, numKeys)
	for k := 0; k < numKeys; k++ {
		keys[k] = keyField(uint64(k))
		lens[k] = lenField(len(vals[k]))
	}

	push := func(k int) {
		msg := van.Message{Data: [][]byte{keys[k], vals[k], lens[k]}}
		msg.Meta.Recver = serverID
		msg.Meta.Request = true
		msg.Meta.Push = true
		if _, err := v.SendMsg(&msg); err != nil {
			logger.Fatal("push", zap.Error(err))
		}
		var resp van.Message
		if _, err := v.RecvMsg(&resp); err != nil {
			logger.Fatal("push response", zap.Error(err))
		}
	}
	pull := func(k int) []byte {
		msg := van.Message{Data: [][]byte{keys[k]}}
		msg.Meta.Recver = serverID
		msg.Meta.Request = true
		msg.Meta.Push = false
		if _, err := v.SendMsg(&msg); err != nil {
			logger.Fatal("pull", zap.Error(err))
		}
		var resp van.Message
		if _, err := v.RecvMsg(&resp); err != nil {
			logger.Fatal("pull response", zap.Error(err))
		}
		return resp.Data[1]
	}

	// first push establishes the tensor records the pulls reuse
	for k := 0; k < numKeys; k++ {
		push(k)
	}

	ops := 0
	moved := 0
	start := time.Now()
	for i := 0; i < n; i++ {
		for k := 0; k < numKeys; k++ {
			switch mode {
			case "push":
				push(k)
				ops, moved = ops+1, moved+len(vals[k])
			case "pull":
				got := pull(k)
				ops, moved = ops+1, moved+len(got)
			default:
				push(k)
				got := pull(k)
				ops, moved = ops+2, moved+2*len(vals[k])
				if verify && !bytes.Equal(got, vals[k]) {
					logger.Fatal("pull mismatch", zap.Int("key", k))
				}
			}
		}
	}
	dur := time.Since(start)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s, %.2f MB/s)\n",
		ops, dur, float64(ops)/dur.Seconds(), float64(moved)/dur.Seconds()/1024/1024)
}

func keyField(key uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(key >> (8 * i))
	}
	return b
}

func lenField(n int) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
