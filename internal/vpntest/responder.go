// Package vpntest provides utilities for vpncore testing.
package vpntest

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/net/nettest"
)

// ReplyFunc builds the reply to a request. Returning nil means staying silent.
type ReplyFunc func(request []byte) []byte

// Responder answers probes on a local socket. The zero value is invalid;
// use [NewUDPResponder] or [NewTCPResponder].
type Responder struct {
	addr  net.Addr
	close func() error
	wg    sync.WaitGroup

	mu       sync.Mutex
	requests [][]byte
}

// NewUDPResponder starts answering datagrams on a loopback address. The
// responder is closed when the test ends.
func NewUDPResponder(t testing.TB, reply ReplyFunc) *Responder {
	pconn, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatal(err)
	}
	r := &Responder{addr: pconn.LocalAddr(), close: pconn.Close}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		buffer := make([]byte, 1<<16)
		for {
			count, from, err := pconn.ReadFrom(buffer)
			if err != nil {
				return
			}
			req := append([]byte{}, buffer[:count]...)
			r.record(req)
			if resp := reply(req); resp != nil {
				pconn.WriteTo(resp, from)
			}
		}
	}()
	t.Cleanup(func() { r.Close() })
	return r
}

// NewTCPResponder accepts connections on a loopback address and answers
// the first chunk read from each of them. A nil reply function accepts
// connections and never writes.
func NewTCPResponder(t testing.TB, reply ReplyFunc) *Responder {
	listener, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatal(err)
	}
	r := &Responder{addr: listener.Addr(), close: listener.Close}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			r.wg.Add(1)
			go r.serveConn(conn, reply)
		}
	}()
	t.Cleanup(func() { r.Close() })
	return r
}

func (r *Responder) serveConn(conn net.Conn, reply ReplyFunc) {
	defer r.wg.Done()
	defer conn.Close()
	buffer := make([]byte, 1<<16)
	count, err := conn.Read(buffer)
	if err != nil {
		return
	}
	req := append([]byte{}, buffer[:count]...)
	r.record(req)
	if reply == nil {
		// keep the conn open until the peer gives up
		conn.Read(buffer)
		return
	}
	if resp := reply(req); resp != nil {
		conn.Write(resp)
	}
}

func (r *Responder) record(req []byte) {
	defer r.mu.Unlock()
	r.mu.Lock()
	r.requests = append(r.requests, req)
}

// Requests returns a copy of the requests received so far.
func (r *Responder) Requests() [][]byte {
	defer r.mu.Unlock()
	r.mu.Lock()
	return append([][]byte{}, r.requests...)
}

// Host returns the responder IP address.
func (r *Responder) Host() string {
	host, _, _ := net.SplitHostPort(r.addr.String())
	return host
}

// Port returns the responder port.
func (r *Responder) Port() int {
	_, port, _ := net.SplitHostPort(r.addr.String())
	value, _ := strconv.Atoi(port)
	return value
}

// Close stops the responder and waits for its goroutines.
func (r *Responder) Close() error {
	err := r.close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	r.wg.Wait()
	return err
}
