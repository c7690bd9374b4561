package roce

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/dperf-io/dperf/internal/errs"
)

// HandshakeTimeout bounds the out-of-band QP info exchange. The handshake is
// one line each way; a peer that stalls past this is treated as lost.
const HandshakeTimeout = 30 * time.Second

// ExchangeServer listens on port, accepts one connection, sends the local QP
// info, and returns the peer's. Used once per dispatcher at boot.
func ExchangeServer(port int, local *QPInfo) (*QPInfo, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errs.Wrap("mgnt_listen", errs.CodePeerLost, err)
	}
	defer ln.Close()
	if dl, ok := ln.(*net.TCPListener); ok {
		dl.SetDeadline(time.Now().Add(HandshakeTimeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		return nil, errs.Wrap("mgnt_accept", errs.CodeHandshakeTimeout, err)
	}
	defer conn.Close()
	return exchange(conn, local)
}

// ExchangeClient dials addr:port, sends the local QP info, and returns the
// peer's. The dial retries until the server side comes up or the handshake
// window closes, since the two endpoints boot independently.
func ExchangeClient(addr string, port int, local *QPInfo) (*QPInfo, error) {
	deadline := time.Now().Add(HandshakeTimeout)
	var (
		conn net.Conn
		err  error
	)
	for {
		conn, err = net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr, port), time.Second)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, errs.Wrap("mgnt_connect", errs.CodeHandshakeTimeout, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	defer conn.Close()
	return exchange(conn, local)
}

// exchange sends then receives one handshake line.
func exchange(conn net.Conn, local *QPInfo) (*QPInfo, error) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	if _, err := fmt.Fprintf(conn, "%s\n", local.Serialize()); err != nil {
		return nil, errs.Wrap("mgnt_send", errs.CodePeerLost, err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errs.Wrap("mgnt_recv", errs.CodeHandshakeTimeout, err)
		}
		return nil, errs.Wrap("mgnt_recv", errs.CodePeerLost, err)
	}
	remote := &QPInfo{}
	if err := remote.Deserialize(line); err != nil {
		return nil, errs.Wrap("mgnt_recv", errs.CodePeerLost, err)
	}
	return remote, nil
}
