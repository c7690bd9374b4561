//go:build !roce

package dperf

import (
	"github.com/dperf-io/dperf/internal/config"
	"github.com/dperf-io/dperf/internal/dispatch"
	"github.com/dperf-io/dperf/internal/dispatch/ethdev"
)

// The Ethernet/UDP backend is the default; build with -tags roce for the
// RoCE-UD backend.
func newDispatcher(wsID uint8, cfg *config.UserConfig, _ bool) (dispatch.Dispatcher, error) {
	return ethdev.New(wsID, cfg.Server.PhyPort, cfg, batchSizes(cfg))
}

func batchSizes(cfg *config.UserConfig) dispatch.BatchSizes {
	return dispatch.BatchSizes{
		DispTxBatch: cfg.Tunables.DispTxBatchSize,
		DispRxBatch: cfg.Tunables.DispRxBatchSize,
		NICTxPost:   cfg.Tunables.NICTxPostSize,
		NICRxPost:   cfg.Tunables.NICRxPostSize,
	}
}
