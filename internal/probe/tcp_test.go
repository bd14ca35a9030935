package probe

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/swoophq/swoop-dispatch/internal/proxypool"
)

func TestProbeReachableProxy(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	p := NewTCP(time.Second, nil)
	desc := &proxypool.Descriptor{Host: "127.0.0.1", Port: port}
	if !p.Probe(context.Background(), desc) {
		t.Fatal("probe failed against a listening socket")
	}
}

func TestProbeUnreachableProxy(t *testing.T) {
	t.Parallel()

	// Grab a free port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	ln.Close()
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	p := NewTCP(200*time.Millisecond, nil)
	desc := &proxypool.Descriptor{Host: "127.0.0.1", Port: port}
	if p.Probe(context.Background(), desc) {
		t.Fatal("probe passed against a closed port")
	}
}
