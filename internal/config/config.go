// Package config loads and re-emits the colon-delimited dperf configuration
// file. Unknown keys are errors; workload lines carry the full pipeline
// description for one workload type.
package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dperf-io/dperf/internal/constants"
)

// TunableParams bundles the batch-size knobs installed from the config file.
// Every batch size must stay at or under constants.MaxBatch.
type TunableParams struct {
	AppCoreNum      int
	DispQueueNum    int
	AppTxBatchSize  int
	AppRxBatchSize  int
	DispTxBatchSize int
	DispRxBatchSize int
	NICTxPostSize   int
	NICRxPostSize   int
}

// Workload describes one workload line: its phase sequence, worker groups,
// the dispatcher per group, and the remote dispatcher fanout used for TX.
type Workload struct {
	Type              uint8
	Phases            []string // phase type names, insertion order
	RemoteDispatchers []uint8
	Groups            [][]uint8 // worker ws_ids per group
	Dispatchers       []uint8   // exactly one dispatcher ws_id per group
}

// ServerConfig carries the per-host settings.
type ServerConfig struct {
	Numa       uint8
	PhyPort    uint8
	Iteration  uint8
	Duration   uint8
	LocalIP    string
	RemoteIP   string
	LocalMac   [6]byte
	RemoteMac  [6]byte
	DevicePCIe string
	DeviceName string
}

// UserConfig is the parsed configuration file.
type UserConfig struct {
	Server    ServerConfig
	Tunables  TunableParams
	Workloads []Workload

	// Derived lookups.
	WsWorkload map[uint8]uint8 // ws_id -> workload type
	WsGroup    map[uint8]int   // ws_id -> group index within its workload
}

// Load reads and parses the configuration file at path.
func Load(path string) (*UserConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	cfg := &UserConfig{
		WsWorkload: make(map[uint8]uint8),
		WsGroup:    make(map[uint8]int),
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := cfg.parseLine(line); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses configuration text held in memory; the round-trip tests use
// it. Load reads files with its own line loop.
func Parse(text string) (*UserConfig, error) {
	cfg := &UserConfig{
		WsWorkload: make(map[uint8]uint8),
		WsGroup:    make(map[uint8]int),
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := cfg.parseLine(line); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *UserConfig) parseLine(line string) error {
	parts := strings.Split(line, ":")
	if len(parts) < 2 {
		return fmt.Errorf("malformed config line %q", line)
	}
	key := strings.TrimSpace(parts[0])
	if key == "workload" {
		return c.parseWorkload(parts[1:])
	}
	if key == "device_pcie" {
		// PCIe addresses contain colons; keep the remainder intact.
		c.Server.DevicePCIe = strings.TrimSpace(strings.Join(parts[1:], ":"))
		return nil
	}
	if len(parts) != 2 {
		return fmt.Errorf("malformed config line %q", line)
	}
	value := strings.TrimSpace(parts[1])

	switch key {
	case "numa":
		return setU8(&c.Server.Numa, key, value)
	case "phy_port":
		return setU8(&c.Server.PhyPort, key, value)
	case "iteration":
		return setU8(&c.Server.Iteration, key, value)
	case "duration":
		return setU8(&c.Server.Duration, key, value)
	case "local_ip":
		c.Server.LocalIP = value
		return checkIPv4(key, value)
	case "remote_ip":
		c.Server.RemoteIP = value
		return checkIPv4(key, value)
	case "local_mac":
		return parseMac(&c.Server.LocalMac, value)
	case "remote_mac":
		return parseMac(&c.Server.RemoteMac, value)
	case "device_name":
		c.Server.DeviceName = value
		return nil
	case "kAppCoreNum":
		return setInt(&c.Tunables.AppCoreNum, key, value)
	case "kDispQueueNum":
		return setInt(&c.Tunables.DispQueueNum, key, value)
	case "kAppTxBatchSize":
		return setInt(&c.Tunables.AppTxBatchSize, key, value)
	case "kAppRxBatchSize":
		return setInt(&c.Tunables.AppRxBatchSize, key, value)
	case "kDispTxBatchSize":
		return setInt(&c.Tunables.DispTxBatchSize, key, value)
	case "kDispRxBatchSize":
		return setInt(&c.Tunables.DispRxBatchSize, key, value)
	case "kNICTxPostSize":
		return setInt(&c.Tunables.NICTxPostSize, key, value)
	case "kNICRxPostSize":
		return setInt(&c.Tunables.NICRxPostSize, key, value)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
}

// parseWorkload handles
// workload:<type>:<phase1,phase2,...>:<remote_disp_ids>:<groups>:<disp_ids>
// where <groups> is |-separated and each group is a comma list or an a-b range.
func (c *UserConfig) parseWorkload(fields []string) error {
	if len(fields) != 5 {
		return fmt.Errorf("workload line needs 5 fields, got %d", len(fields))
	}
	w := Workload{}

	t, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || t < 0 || t >= constants.InvalidWorkloadType {
		return fmt.Errorf("invalid workload type %q", fields[0])
	}
	w.Type = uint8(t)
	for _, prev := range c.Workloads {
		if prev.Type == w.Type {
			return fmt.Errorf("workload type %d declared twice", w.Type)
		}
	}

	for _, p := range strings.Split(fields[1], ",") {
		w.Phases = append(w.Phases, strings.TrimSpace(p))
	}

	for _, s := range strings.Split(fields[2], ",") {
		id, err := parseWsID(s)
		if err != nil {
			return err
		}
		w.RemoteDispatchers = append(w.RemoteDispatchers, id)
	}

	for groupIdx, groupStr := range strings.Split(fields[3], "|") {
		ids, err := parseWsGroup(groupStr)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, taken := c.WsWorkload[id]; taken {
				return fmt.Errorf("workspace %d already assigned to a workload", id)
			}
			c.WsWorkload[id] = w.Type
			c.WsGroup[id] = groupIdx
		}
		w.Groups = append(w.Groups, ids)
	}

	for _, s := range strings.Split(fields[4], "|") {
		id, err := parseWsID(s)
		if err != nil {
			return err
		}
		w.Dispatchers = append(w.Dispatchers, id)
	}
	if len(w.Dispatchers) != len(w.Groups) {
		return fmt.Errorf("workload %d: %d groups but %d dispatchers", w.Type, len(w.Groups), len(w.Dispatchers))
	}

	c.Workloads = append(c.Workloads, w)
	return nil
}

func (c *UserConfig) validate() error {
	if int(c.Server.PhyPort) >= constants.MaxPhyPorts {
		return fmt.Errorf("phy_port %d out of range", c.Server.PhyPort)
	}
	if int(c.Server.Numa) >= constants.MaxNumaNodes {
		return fmt.Errorf("numa %d out of range", c.Server.Numa)
	}
	for _, v := range []struct {
		name string
		val  int
	}{
		{"kAppTxBatchSize", c.Tunables.AppTxBatchSize},
		{"kAppRxBatchSize", c.Tunables.AppRxBatchSize},
		{"kDispTxBatchSize", c.Tunables.DispTxBatchSize},
		{"kDispRxBatchSize", c.Tunables.DispRxBatchSize},
		{"kNICTxPostSize", c.Tunables.NICTxPostSize},
		{"kNICRxPostSize", c.Tunables.NICRxPostSize},
	} {
		if v.val > constants.MaxBatch {
			return fmt.Errorf("%s %d exceeds max batch size %d", v.name, v.val, constants.MaxBatch)
		}
		if v.val < 0 {
			return fmt.Errorf("%s must not be negative", v.name)
		}
	}
	return nil
}

// WorkloadFor returns the workload a workspace belongs to, or nil.
func (c *UserConfig) WorkloadFor(wsID uint8) *Workload {
	t, ok := c.WsWorkload[wsID]
	if !ok {
		return nil
	}
	for i := range c.Workloads {
		if c.Workloads[i].Type == t {
			return &c.Workloads[i]
		}
	}
	return nil
}

// DispatcherFor returns the dispatcher ws_id serving the given worker.
func (c *UserConfig) DispatcherFor(wsID uint8) (uint8, bool) {
	w := c.WorkloadFor(wsID)
	if w == nil {
		return 0, false
	}
	g, ok := c.WsGroup[wsID]
	if !ok || g >= len(w.Dispatchers) {
		return 0, false
	}
	return w.Dispatchers[g], true
}

// EmitTunables re-serializes the tunable bundle in canonical key order.
// Parsing the result yields an identical bundle.
func (c *UserConfig) EmitTunables() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kAppCoreNum:%d\n", c.Tunables.AppCoreNum)
	fmt.Fprintf(&b, "kDispQueueNum:%d\n", c.Tunables.DispQueueNum)
	fmt.Fprintf(&b, "kAppTxBatchSize:%d\n", c.Tunables.AppTxBatchSize)
	fmt.Fprintf(&b, "kAppRxBatchSize:%d\n", c.Tunables.AppRxBatchSize)
	fmt.Fprintf(&b, "kDispTxBatchSize:%d\n", c.Tunables.DispTxBatchSize)
	fmt.Fprintf(&b, "kDispRxBatchSize:%d\n", c.Tunables.DispRxBatchSize)
	fmt.Fprintf(&b, "kNICTxPostSize:%d\n", c.Tunables.NICTxPostSize)
	fmt.Fprintf(&b, "kNICRxPostSize:%d\n", c.Tunables.NICRxPostSize)
	return b.String()
}

// ActiveWorkspaces returns every assigned ws_id (workers and dispatchers) in
// ascending order.
func (c *UserConfig) ActiveWorkspaces() []uint8 {
	seen := make(map[uint8]bool)
	for id := range c.WsWorkload {
		seen[id] = true
	}
	for _, w := range c.Workloads {
		for _, d := range w.Dispatchers {
			seen[d] = true
		}
	}
	ids := make([]uint8, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func parseWsID(s string) (uint8, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || id < 0 || id >= constants.InvalidWsID {
		return 0, fmt.Errorf("invalid workspace id %q", s)
	}
	return uint8(id), nil
}

// parseWsGroup accepts "0,1,2" or the range form "0-2".
func parseWsGroup(s string) ([]uint8, error) {
	s = strings.TrimSpace(s)
	if dash := strings.IndexByte(s, '-'); dash >= 0 {
		bounds := strings.Split(s, "-")
		if len(bounds) != 2 {
			return nil, fmt.Errorf("malformed workspace range %q", s)
		}
		lo, err := parseWsID(bounds[0])
		if err != nil {
			return nil, err
		}
		hi, err := parseWsID(bounds[1])
		if err != nil {
			return nil, err
		}
		if hi < lo {
			return nil, fmt.Errorf("descending workspace range %q", s)
		}
		var ids []uint8
		for id := lo; id <= hi; id++ {
			ids = append(ids, id)
		}
		return ids, nil
	}
	var ids []uint8
	for _, field := range strings.Split(s, ",") {
		id, err := parseWsID(field)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func setU8(dst *uint8, key, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil || v < 0 || v > 255 {
		return fmt.Errorf("invalid %s value %q", key, value)
	}
	*dst = uint8(v)
	return nil
}

func setInt(dst *int, key, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s value %q", key, value)
	}
	*dst = v
	return nil
}

func checkIPv4(key, value string) error {
	ip := net.ParseIP(value)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid %s address %q", key, value)
	}
	return nil
}

// parseMac accepts the aa.bb.cc.dd.ee.ff form of the config file.
func parseMac(dst *[6]byte, value string) error {
	parts := strings.Split(value, ".")
	if len(parts) != 6 {
		return fmt.Errorf("invalid mac address %q", value)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return fmt.Errorf("invalid mac address %q", value)
		}
		dst[i] = byte(v)
	}
	return nil
}

// IPv4ToUint32 converts a dotted-quad string to a host-order integer.
func IPv4ToUint32(s string) uint32 {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}
