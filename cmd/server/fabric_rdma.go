//go:build rdma

package main

import (
	"go.uber.org/zap"

	"github.com/bytedance/ps-lite/pkg/verbs"
)

func newFabric(logger *zap.Logger) (verbs.Fabric, error) {
	logger.Info("using rdma fabric")
	return verbs.NewRDMAFabric()
}
