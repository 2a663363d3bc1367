package transport

import (
	"context"
	"net"

	"driftrelay/internal/wire"
)

// DatagramSink is the narrow surface a session exposes to the datagram
// listener: enqueue an inbound payload, and learn the client's current
// UDP source address.
type DatagramSink interface {
	EnqueueUDP(frame []byte) (dropped bool)
	BindUDPPeer(addr *net.UDPAddr)
}

// ListenDatagram opens the shared UDP socket every session's datagrams
// arrive on and depart through.
func ListenDatagram(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

// ServeDatagram reads datagrams from conn until ctx is canceled, decoding
// the slot prefix and routing the payload to the session lookup returns,
// or dropping it if the slot is unassigned.
func ServeDatagram(ctx context.Context, conn *net.UDPConn, lookup func(slot int) (DatagramSink, bool)) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		slot, payload, ok := wire.DecodeDatagram(buf[:n])
		if !ok {
			continue
		}
		sink, found := lookup(slot)
		if !found {
			continue
		}
		sink.BindUDPPeer(addr)
		sink.EnqueueUDP(append([]byte(nil), payload...))
	}
}
