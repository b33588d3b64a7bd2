package lb

import (
	"net"

	"github.com/mdlayher/packet"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PacketConn is a source and sink of raw Ethernet frames on one interface.
type PacketConn interface {
	// ReadFrame reads one frame into b and returns its length.
	ReadFrame(b []byte) (int, error)
	// WriteFrame sends b out the interface.
	WriteFrame(b []byte) error
	Close() error
}

// afPacketConn reads and writes frames with an AF_PACKET raw socket.
// The kernel hands the socket a copy of each frame, so frames the datapath
// ignores still reach the regular network stack.
type afPacketConn struct {
	conn *packet.Conn
	ifi  *net.Interface
}

// OpenPacketConn binds a raw socket to the named interface.
func OpenPacketConn(linkName string) (PacketConn, error) {
	ifi, err := net.InterfaceByName(linkName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to verify interface: %s", linkName)
	}

	log.Infof("opening raw socket on %s (index %d, mtu %d)", ifi.Name, ifi.Index, ifi.MTU)
	conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open raw socket on: %s", linkName)
	}
	return &afPacketConn{conn: conn, ifi: ifi}, nil
}

func (c *afPacketConn) ReadFrame(b []byte) (int, error) {
	n, _, err := c.conn.ReadFrom(b)
	return n, err
}

func (c *afPacketConn) WriteFrame(b []byte) error {
	if len(b) < 6 {
		return errors.New("frame too short")
	}
	// A raw socket takes the frame as is; the address only selects the
	// outgoing interface, which the socket is already bound to.
	addr := &packet.Addr{HardwareAddr: net.HardwareAddr(b[0:6])}
	_, err := c.conn.WriteTo(b, addr)
	return err
}

func (c *afPacketConn) Close() error {
	return c.conn.Close()
}
