// Package registry provides etcd-backed node registration and peer
// discovery: every node announces itself under a leased key and watches
// the prefix to learn its peers, replacing a dedicated bootstrap node.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/bytedance/ps-lite/pkg/van"
)

const nodePrefix = "/pslite/nodes/"

// NewClient connects to etcd.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

type nodeRecord struct {
	ID       int    `json:"id"`
	Role     string `json:"role"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

func nodeKey(id int) string {
	return fmt.Sprintf("%s%d", nodePrefix, id)
}

// RegisterNode announces node under a lease of ttl seconds and keeps the
// lease alive until the returned cancel function is called.
func RegisterNode(cli *clientv3.Client, node van.Node, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(context.TODO(), ttl)
	if err != nil {
		return 0, nil, err
	}
	val, err := json.Marshal(nodeRecord{
		ID:       node.ID,
		Role:     node.Role.String(),
		Hostname: node.Hostname,
		Port:     node.Port,
	})
	if err != nil {
		return 0, nil, err
	}
	_, err = cli.Put(context.TODO(), nodeKey(node.ID), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

func decodeNode(val []byte) (van.Node, error) {
	var rec nodeRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return van.Node{}, err
	}
	role, err := van.ParseRole(rec.Role)
	if err != nil {
		return van.Node{}, err
	}
	return van.Node{ID: rec.ID, Role: role, Hostname: rec.Hostname, Port: rec.Port}, nil
}

// GetPeers lists every registered node.
func GetPeers(cli *clientv3.Client) ([]van.Node, error) {
	resp, err := cli.Get(context.TODO(), nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	nodes := make([]van.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		node, err := decodeNode(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("registry: bad record at %s: %w", kv.Key, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// WatchPeers invokes cb with every node joining the registry until the
// context is cancelled. Departures are reported with departed=true.
func WatchPeers(ctx context.Context, cli *clientv3.Client, cb func(node van.Node, departed bool)) {
	ch := cli.Watch(ctx, nodePrefix, clientv3.WithPrefix())
	go func() {
		for resp := range ch {
			for _, ev := range resp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					node, err := decodeNode(ev.Kv.Value)
					if err == nil {
						cb(node, false)
					}
				case clientv3.EventTypeDelete:
					key := strings.TrimPrefix(string(ev.Kv.Key), nodePrefix)
					var id int
					if _, err := fmt.Sscanf(key, "%d", &id); err == nil {
						cb(van.Node{ID: id}, true)
					}
				}
			}
		}
	}()
}
