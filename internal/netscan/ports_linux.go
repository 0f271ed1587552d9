package netscan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// LocalPortsNetlink dumps listening TCP sockets directly from the kernel via
// the sock_diag netlink interface. It errors when netlink is not accessible,
// callers are supposed to fall back to other lookups.
func LocalPortsNetlink() (iter.Seq[netip.AddrPort], error) {
	fours, err := listeners(unix.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("dump listeners for ipv4: %w", err)
	}
	sixes, err := listeners(unix.AF_INET6)
	if err != nil {
		return nil, fmt.Errorf("dump listeners for ipv6: %w", err)
	}

	return func(yield func(netip.AddrPort) bool) {
		for _, ap := range append(fours, sixes...) {
			if !yield(ap) {
				return
			}
		}
	}, nil
}

// Constants from linux headers.
const (
	netlinkSockDiag   = 4  // NETLINK_SOCK_DIAG
	sockDiagByFamily  = 20 // SOCK_DIAG_BY_FAMILY
	ipprotoTCP        = 6
	tcpListen         = 10 // include/net/tcp_states.h
	tcpfListen        = 1 << tcpListen
	inetDiagMsgMinLen = 72
)

// inet_diag_req_v2 (linux/inet_diag.h)
type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

type inetDiagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

func listeners(family uint8) ([]netip.AddrPort, error) {
	iplen := 4
	if family == unix.AF_INET6 {
		iplen = 16
	}

	c, err := netlink.Dial(netlinkSockDiag, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer func() {
		_ = c.Close()
	}()

	req := inetDiagReqV2{
		Family:   family,
		Protocol: ipprotoTCP,
		States:   tcpfListen,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.NativeEndian, req); err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msgs, err := c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  sockDiagByFamily,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	ret := make([]netip.AddrPort, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type == netlink.Done || len(m.Data) < inetDiagMsgMinLen {
			continue
		}
		// inet_diag_msg: family, state, timer, retrans, then the socket id
		sport := binary.BigEndian.Uint16(m.Data[4:6])
		addr, ok := netip.AddrFromSlice(m.Data[8 : 8+iplen])
		if !ok {
			continue
		}
		ret = append(ret, netip.AddrPortFrom(addr.Unmap(), sport))
	}
	return ret, nil
}
