package roce

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// QPInfo is the endpoint description exchanged out of band before the UD
// queue pairs can address each other. It serializes to one line of
// key:value;key:value;... pairs.
type QPInfo struct {
	QPNum         uint32
	LID           uint16
	GID           [16]byte
	GIDTableIndex uint8
	MTU           uint32
	MAC           [6]byte
	Hostname      string
	NicName       string
	IsInitialized bool
}

// Serialize renders the info as a single handshake line.
func (q *QPInfo) Serialize() string {
	var b strings.Builder
	fmt.Fprintf(&b, "qp_num:%d;", q.QPNum)
	fmt.Fprintf(&b, "lid:%d;", q.LID)
	fmt.Fprintf(&b, "gid:%s;", hex.EncodeToString(q.GID[:]))
	fmt.Fprintf(&b, "gid_table_index:%d;", q.GIDTableIndex)
	fmt.Fprintf(&b, "mac:%s;", hex.EncodeToString(q.MAC[:]))
	fmt.Fprintf(&b, "mtu:%d;", q.MTU)
	fmt.Fprintf(&b, "hostname:%s;", q.Hostname)
	fmt.Fprintf(&b, "nic_name:%s;", q.NicName)
	fmt.Fprintf(&b, "is_initialized:%t;", q.IsInitialized)
	return b.String()
}

// Deserialize parses a handshake line produced by Serialize.
func (q *QPInfo) Deserialize(line string) error {
	for _, pair := range strings.Split(strings.TrimSpace(line), ";") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return fmt.Errorf("malformed qp info field %q", pair)
		}
		key, value := kv[0], kv[1]
		switch key {
		case "qp_num":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return fmt.Errorf("qp_num %q: %w", value, err)
			}
			q.QPNum = uint32(v)
		case "lid":
			v, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return fmt.Errorf("lid %q: %w", value, err)
			}
			q.LID = uint16(v)
		case "gid":
			raw, err := hex.DecodeString(value)
			if err != nil || len(raw) != 16 {
				return fmt.Errorf("malformed gid %q", value)
			}
			copy(q.GID[:], raw)
		case "gid_table_index":
			v, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return fmt.Errorf("gid_table_index %q: %w", value, err)
			}
			q.GIDTableIndex = uint8(v)
		case "mac":
			raw, err := hex.DecodeString(value)
			if err != nil || len(raw) != 6 {
				return fmt.Errorf("malformed mac %q", value)
			}
			copy(q.MAC[:], raw)
		case "mtu":
			v, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return fmt.Errorf("mtu %q: %w", value, err)
			}
			q.MTU = uint32(v)
		case "hostname":
			q.Hostname = value
		case "nic_name":
			q.NicName = value
		case "is_initialized":
			q.IsInitialized = value == "true"
		default:
			return fmt.Errorf("unknown qp info key %q", key)
		}
	}
	return nil
}
