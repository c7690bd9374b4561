//go:build roce

package dperf

import (
	"github.com/dperf-io/dperf/internal/config"
	"github.com/dperf-io/dperf/internal/dispatch"
	"github.com/dperf-io/dperf/internal/dispatch/roce"
)

func newDispatcher(wsID uint8, cfg *config.UserConfig, isServer bool) (dispatch.Dispatcher, error) {
	verbs := roce.OpenSoftDevice(cfg.Server.DeviceName, roce.PortAttr{
		LID: uint16(cfg.Server.PhyPort) + 1,
		MAC: cfg.Server.LocalMac,
		MTU: 1024,
	})
	return roce.New(wsID, cfg.Server.PhyPort, cfg, batchSizes(cfg), isServer, verbs)
}

func batchSizes(cfg *config.UserConfig) dispatch.BatchSizes {
	return dispatch.BatchSizes{
		DispTxBatch: cfg.Tunables.DispTxBatchSize,
		DispRxBatch: cfg.Tunables.DispRxBatchSize,
		NICTxPost:   cfg.Tunables.NICTxPostSize,
		NICRxPost:   cfg.Tunables.NICRxPostSize,
	}
}
