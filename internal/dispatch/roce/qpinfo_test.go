package roce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQPInfoRoundTrip(t *testing.T) {
	info := &QPInfo{
		QPNum:         0x11,
		LID:           3,
		GIDTableIndex: 1,
		MTU:           1024,
		MAC:           [6]byte{0x08, 0xc0, 0xeb, 0x62, 0x41, 0x2a},
		Hostname:      "node-0",
		NicName:       "rdma0",
		IsInitialized: true,
	}
	for i := range info.GID {
		info.GID[i] = byte(i)
	}

	line := info.Serialize()
	var got QPInfo
	require.NoError(t, got.Deserialize(line))
	assert.Equal(t, *info, got)
}

func TestQPInfoRejectsMalformedFields(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"missing value", "qp_num"},
		{"bad number", "qp_num:abc;"},
		{"short gid", "gid:0011;"},
		{"short mac", "mac:0011;"},
		{"unknown key", "flux_capacitor:1;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var info QPInfo
			assert.Error(t, info.Deserialize(tt.line))
		})
	}
}

func TestSoftQPLifecycle(t *testing.T) {
	ResetFabric()
	dev := OpenSoftDevice("test-lifecycle", PortAttr{LID: 1})
	qp, err := dev.CreateQP(16, 16)
	require.NoError(t, err)
	defer qp.Close()

	// Posting before RTS fails; transitions must run in order.
	err = qp.PostSend([]SendWR{{WrID: 1}})
	assert.Error(t, err)

	assert.Error(t, qp.Modify(StateRTS), "skipping INIT/RTR is rejected")
	require.NoError(t, qp.Modify(StateInit))
	require.NoError(t, qp.Modify(StateRTR))
	require.NoError(t, qp.Modify(StateRTS))
}

func TestSoftDeviceDelivery(t *testing.T) {
	ResetFabric()
	dev := OpenSoftDevice("test-delivery", PortAttr{LID: 1})

	a, err := dev.CreateQP(8, 8)
	require.NoError(t, err)
	b, err := dev.CreateQP(8, 8)
	require.NoError(t, err)
	for _, qp := range []QP{a, b} {
		require.NoError(t, qp.Modify(StateInit))
		require.NoError(t, qp.Modify(StateRTR))
		require.NoError(t, qp.Modify(StateRTS))
	}

	recvBuf := make([]byte, GRHBytes+64)
	require.NoError(t, b.PostRecv([]RecvWR{{WrID: 7, Data: recvBuf}}))

	payload := []byte("ping")
	require.NoError(t, a.PostSend([]SendWR{{WrID: 9, Data: payload, RemoteQPN: b.Num()}}))

	var wc [8]WC
	n := a.PollSendCQ(wc[:])
	require.Equal(t, 1, n)
	assert.Equal(t, uint64(9), wc[0].WrID)
	assert.Zero(t, wc[0].Status)

	n = b.PollRecvCQ(wc[:])
	require.Equal(t, 1, n)
	assert.Equal(t, uint64(7), wc[0].WrID)
	assert.Equal(t, GRHBytes+len(payload), wc[0].ByteLen)
	assert.Equal(t, payload, recvBuf[GRHBytes:GRHBytes+len(payload)])
}
