package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseConfig = `numa:0
phy_port:0
iteration:2
duration:1
local_ip:192.168.1.10
remote_ip:192.168.1.11
local_mac:08.c0.eb.62.41.2a
remote_mac:08.c0.eb.62.41.2b
device_pcie:0000:98:00.0
device_name:loopback
kAppCoreNum:2
kDispQueueNum:1
kAppTxBatchSize:32
kAppRxBatchSize:1
kDispTxBatchSize:32
kDispRxBatchSize:64
kNICTxPostSize:16
kNICRxPostSize:128
workload:1:TxApplication,TxDispatcher,RxDispatcher,RxApplication:3:0-1|2:3|4
`

func TestParseBaseConfig(t *testing.T) {
	cfg, err := Parse(baseConfig)
	require.NoError(t, err)

	assert.Equal(t, uint8(0), cfg.Server.Numa)
	assert.Equal(t, uint8(2), cfg.Server.Iteration)
	assert.Equal(t, "192.168.1.10", cfg.Server.LocalIP)
	assert.Equal(t, [6]byte{0x08, 0xc0, 0xeb, 0x62, 0x41, 0x2a}, cfg.Server.LocalMac)
	assert.Equal(t, "0000:98:00.0", cfg.Server.DevicePCIe)
	assert.Equal(t, 32, cfg.Tunables.AppTxBatchSize)
	assert.Equal(t, 128, cfg.Tunables.NICRxPostSize)

	require.Len(t, cfg.Workloads, 1)
	w := cfg.Workloads[0]
	assert.Equal(t, uint8(1), w.Type)
	assert.Equal(t, []string{"TxApplication", "TxDispatcher", "RxDispatcher", "RxApplication"}, w.Phases)
	assert.Equal(t, []uint8{3}, w.RemoteDispatchers)
	require.Len(t, w.Groups, 2)
	assert.Equal(t, []uint8{0, 1}, w.Groups[0], "range syntax expands")
	assert.Equal(t, []uint8{2}, w.Groups[1])
	assert.Equal(t, []uint8{3, 4}, w.Dispatchers)

	disp, ok := cfg.DispatcherFor(1)
	require.True(t, ok)
	assert.Equal(t, uint8(3), disp)
	disp, ok = cfg.DispatcherFor(2)
	require.True(t, ok)
	assert.Equal(t, uint8(4), disp)

	assert.Equal(t, []uint8{0, 1, 2, 3, 4}, cfg.ActiveWorkspaces())
}

func TestDuplicateWorkspaceAssignmentRejected(t *testing.T) {
	text := baseConfig + "workload:2:TxApplication:3:1:3\n"
	_, err := Parse(text)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already assigned")
}

func TestUnknownKeyRejected(t *testing.T) {
	_, err := Parse("bogus_key:1\n")
	assert.Error(t, err)
}

func TestBatchSizeBoundsEnforced(t *testing.T) {
	text := strings.Replace(baseConfig, "kAppTxBatchSize:32", "kAppTxBatchSize:513", 1)
	_, err := Parse(text)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max batch size")
}

func TestMalformedMacRejected(t *testing.T) {
	_, err := Parse("local_mac:08.c0.eb.62.41\n")
	assert.Error(t, err)
}

func TestInvalidIPRejected(t *testing.T) {
	_, err := Parse("local_ip:not-an-ip\n")
	assert.Error(t, err)
}

// Re-emitting the loaded tunables and re-parsing produces an identical
// bundle.
func TestTunablesRoundTrip(t *testing.T) {
	cfg, err := Parse(baseConfig)
	require.NoError(t, err)

	emitted := cfg.EmitTunables()
	reparsed, err := Parse(emitted)
	require.NoError(t, err)
	assert.Equal(t, cfg.Tunables, reparsed.Tunables)

	// A second emit is byte-identical.
	assert.Equal(t, emitted, reparsed.EmitTunables())
}

func TestIPv4ToUint32(t *testing.T) {
	assert.Equal(t, uint32(0xc0a8010a), IPv4ToUint32("192.168.1.10"))
	assert.Equal(t, uint32(0), IPv4ToUint32("bogus"))
}
