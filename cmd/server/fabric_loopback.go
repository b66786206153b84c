//go:build !rdma

package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/bytedance/ps-lite/pkg/verbs"
)

// Without the rdma build tag the server runs on the in-process loopback
// fabric; only same-process peers can reach it. Build with -tags rdma
// for real deployments.
func newFabric(logger *zap.Logger) (verbs.Fabric, error) {
	logger.Warn("built without rdma support, using in-process loopback fabric")
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return verbs.NewLoopback().Host(host), nil
}
