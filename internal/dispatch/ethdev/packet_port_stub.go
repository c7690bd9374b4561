//go:build !linux

package ethdev

import "fmt"

// AF_PACKET is Linux-only; other platforms can still run the loopback device.
func newPacketPort(deviceName string, localIPv4 uint32) (Port, error) {
	return nil, fmt.Errorf("AF_PACKET device %q requires linux", deviceName)
}
