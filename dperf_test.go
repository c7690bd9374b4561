package dperf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dperf-io/dperf/internal/dispatch/ethdev"
)

const loopbackConfig = `numa:0
phy_port:0
iteration:1
duration:1
local_ip:192.168.1.10
remote_ip:192.168.1.11
local_mac:08.c0.eb.62.41.2a
remote_mac:08.c0.eb.62.41.2b
device_name:loopback
kAppCoreNum:1
kDispQueueNum:1
kAppTxBatchSize:8
kAppRxBatchSize:1
kDispTxBatchSize:8
kDispRxBatchSize:32
kNICTxPostSize:8
kNICRxPostSize:32
workload:1:TxApplication,TxDispatcher,RxDispatcher,RxApplication:1:0:1
`

// One worker, one dispatcher, loopback device: the full pipeline runs one
// 1-second iteration end to end and shuts down cleanly.
func TestRunLoopbackIteration(t *testing.T) {
	if testing.Short() {
		t.Skip("1-second timed iteration")
	}
	ethdev.ResetEnv()
	defer ethdev.ResetEnv()

	path := filepath.Join(t.TempDir(), "send_config")
	require.NoError(t, os.WriteFile(path, []byte(loopbackConfig), 0o644))

	err := Run(Options{ConfigPath: path, IsServer: false})
	require.NoError(t, err)
}

func TestRunRejectsMissingConfig(t *testing.T) {
	err := Run(Options{ConfigPath: filepath.Join(t.TempDir(), "absent")})
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeConfig))
}

func TestRunRejectsEmptyWorkloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte("numa:0\nphy_port:0\n"), 0o644))
	err := Run(Options{ConfigPath: path})
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeConfig))
}
