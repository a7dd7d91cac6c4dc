package export

import (
	"fmt"
	"net"
)

// Transport identifies the network protocol used to reach a collector.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// Collector is one configured export destination.
type Collector struct {
	Address   string
	Transport Transport

	conn net.Conn
}

// Dial opens the underlying connection. For UDP this never touches the
// network (connected UDP sockets are purely local state); for TCP it
// performs the handshake.
func (c *Collector) Dial() error {
	conn, err := net.Dial(string(c.Transport), c.Address)
	if err != nil {
		return fmt.Errorf("export: dial collector %s (%s): %w", c.Address, c.Transport, err)
	}
	c.conn = conn
	return nil
}

// Send writes one complete datagram/message to the collector. For TCP,
// which is a byte stream, each message is self-delimiting (NetFlow/IPFIX
// headers carry their own length), so no additional framing is added.
func (c *Collector) Send(b []byte) error {
	if c.conn == nil {
		if err := c.Dial(); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(b)
	return err
}

// Close releases the underlying connection, if any.
func (c *Collector) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
