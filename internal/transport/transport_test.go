package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"driftrelay/internal/ratelimit"
)

func TestServeReliableDispatchesRole(t *testing.T) {
	ln, err := ListenReliable("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenReliable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roleCh := make(chan Role, 1)
	go ServeReliable(ctx, ln, nil, func(conn net.Conn, role Role, slot int) {
		roleCh <- role
		conn.Close()
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{'C'}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case role := <-roleCh:
		if role != RoleClient {
			t.Fatalf("expected RoleClient, got %q", role)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}
}

func TestServeReliableRejectsBannedIP(t *testing.T) {
	ln, err := ListenReliable("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenReliable: %v", err)
	}
	limiter := ratelimit.New(0, time.Minute, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatched := make(chan struct{}, 1)
	go ServeReliable(ctx, ln, limiter, func(conn net.Conn, role Role, slot int) {
		dispatched <- struct{}{}
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case <-dispatched:
		t.Fatalf("expected banned IP connection to never be dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServeReliableReadsSlotForDownloadRole(t *testing.T) {
	ln, err := ListenReliable("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenReliable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type dispatched struct {
		role Role
		slot int
	}
	ch := make(chan dispatched, 1)
	go ServeReliable(ctx, ln, nil, func(conn net.Conn, role Role, slot int) {
		ch <- dispatched{role, slot}
		conn.Close()
	})

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{byte(RoleDownload), 7}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case d := <-ch:
		if d.role != RoleDownload || d.slot != 7 {
			t.Fatalf("expected RoleDownload slot 7, got role=%q slot=%d", d.role, d.slot)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}
}

type fakeSink struct {
	frames []byte
	addr   *net.UDPAddr
}

func (f *fakeSink) EnqueueUDP(frame []byte) bool {
	f.frames = append(f.frames, frame...)
	return false
}

func (f *fakeSink) BindUDPPeer(addr *net.UDPAddr) { f.addr = addr }

func TestServeDatagramRoutesBySlot(t *testing.T) {
	conn, err := ListenDatagram("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenDatagram: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &fakeSink{}
	go ServeDatagram(ctx, conn, func(slot int) (DatagramSink, bool) {
		if slot == 4 {
			return sink, true
		}
		return nil, false
	})

	sender, err := net.Dial("udp", conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sender.Close()

	// slot 4 -> byte0 = 5
	if _, err := sender.Write([]byte{5, 'Z', 'p', 'o', 's'}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.frames) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if string(sink.frames) != "Zpos" {
		t.Fatalf("expected routed payload %q, got %q", "Zpos", sink.frames)
	}
	if sink.addr == nil {
		t.Fatalf("expected peer address to be bound")
	}
}

func TestPeerSendDatagramWithoutBindingFails(t *testing.T) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer udpConn.Close()

	ln, err := ListenReliable("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenReliable: %v", err)
	}
	defer ln.Close()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientConn.Close()
	serverConn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer serverConn.Close()

	p := NewPeer(serverConn, udpConn)
	if err := p.SendDatagram([]byte("x")); err != ErrNoUDPPeer {
		t.Fatalf("expected ErrNoUDPPeer before binding, got %v", err)
	}
}
