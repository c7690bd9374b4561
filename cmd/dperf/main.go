package main

import (
	"fmt"
	"os"

	dperf "github.com/dperf-io/dperf"
)

// Config paths are fixed: the client reads the send config, the server the
// recv config. A tuned variant with the .out suffix wins when present, so a
// tuning pass can leave its result next to the baseline.
func configPath() string {
	base := "config/send_config"
	if isServer {
		base = "config/recv_config"
	}
	if _, err := os.Stat(base + ".out"); err == nil {
		return base + ".out"
	}
	return base
}

func main() {
	err := dperf.Run(dperf.Options{
		ConfigPath: configPath(),
		IsServer:   isServer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
