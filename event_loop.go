package lb

import (
	"context"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"l4lb/header"
)

// Event describes what the datapath did with one frame.
type Event struct {
	SrcMac  [6]byte
	DstMac  [6]byte
	SrcAddr [4]byte
	SrcPort uint16
	DstAddr [4]byte
	DstPort uint16
	Decoded bool

	Directed   bool
	Backend    [4]byte
	BackendIdx int
	NewFlow    bool
	Persisted  bool

	Verdict Verdict
	Err     error
}

func (ev *Event) setPacket(p *header.Packet) {
	ev.Decoded = true
	ev.SrcMac = p.Eth.Src
	ev.DstMac = p.Eth.Dst
	ev.SrcAddr = p.IP.Src
	ev.SrcPort = p.UDP.SrcPort
	ev.DstAddr = p.IP.Dst
	ev.DstPort = p.UDP.DstPort
}

func (ev *Event) setDecision(d Decision) {
	ev.Directed = true
	ev.Backend = d.Backend.Addr
	ev.BackendIdx = d.Index
	ev.NewFlow = d.NewFlow
	ev.Persisted = d.Persisted
}

func MACStr(arr [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		arr[0], arr[1], arr[2], arr[3], arr[4], arr[5])
}

func (ev *Event) String() string {
	if !ev.Decoded {
		return fmt.Sprintf("verdict=%s reason=%v", ev.Verdict, ev.Err)
	}
	s := fmt.Sprintf("src=<%s> %s:%d, dst=<%s> %s:%d, verdict=%s",
		MACStr(ev.SrcMac), net.IP(ev.SrcAddr[:]), ev.SrcPort,
		MACStr(ev.DstMac), net.IP(ev.DstAddr[:]), ev.DstPort,
		ev.Verdict)
	if ev.Directed {
		s += fmt.Sprintf(", backend=%d(%s) new=%t persisted=%t",
			ev.BackendIdx, net.IP(ev.Backend[:]), ev.NewFlow, ev.Persisted)
	}
	if ev.Err != nil {
		s += fmt.Sprintf(", reason=%s", ev.Err)
	}
	return s
}

// ReadEvents logs events from channel until it is closed or ctx is done.
func ReadEvents(ctx context.Context, channel <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-channel:
			if !ok {
				return
			}
			log.Debugf("LB-EVENT: %s", &ev)
		}
	}
}
