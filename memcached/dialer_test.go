package memcached

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/nettest"
	. "gopkg.in/check.v1"
)

type DialerSuite struct {
	listener net.Listener
	accepted int32
	conns    chan net.Conn
}

var _ = Suite(&DialerSuite{})

func (s *DialerSuite) SetUpTest(c *C) {
	listener, err := nettest.NewLocalListener("tcp4")
	c.Assert(err, IsNil)
	s.listener = listener
	s.conns = make(chan net.Conn, 64)
	atomic.StoreInt32(&s.accepted, 0)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&s.accepted, 1)
			s.conns <- conn
		}
	}()
}

func (s *DialerSuite) TearDownTest(c *C) {
	_ = s.listener.Close()
	for {
		select {
		case conn := <-s.conns:
			_ = conn.Close()
		default:
			return
		}
	}
}

func (s *DialerSuite) waitAccepted(n int32) int32 {
	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&s.accepted) < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return atomic.LoadInt32(&s.accepted)
}

func (s *DialerSuite) TestDial(c *C) {
	dial := newDialer(DefaultPoolTuning())

	conn, err := dial("tcp", s.listener.Addr().String())
	c.Assert(err, IsNil)
	defer func() { _ = conn.Close() }()

	_, ok := conn.(*net.TCPConn)
	c.Assert(ok, Equals, true)
	c.Assert(s.waitAccepted(1), Equals, int32(1))
}

func (s *DialerSuite) TestDialRefused(c *C) {
	// Reserve a port, then free it so nothing listens there.
	listener, err := nettest.NewLocalListener("tcp4")
	c.Assert(err, IsNil)
	addr := listener.Addr().String()
	c.Assert(listener.Close(), IsNil)

	tuning := DefaultPoolTuning()
	tuning.ConnectTimeout = time.Second

	_, err = newDialer(tuning)("tcp", addr)
	c.Assert(err, NotNil)
}

func (s *DialerSuite) TestBinaryBackendPrewarms(c *C) {
	log, _ := newTestLogger()

	addr := s.listener.Addr().(*net.TCPAddr)
	cfg := NewConfig("127.0.0.1:"+strconv.Itoa(addr.Port)+":1", log)
	cfg.Client = BinaryClient
	cfg.InitialConnections = 2
	cfg.MinSpareConnections = 3

	health := newHealthTracker(cfg.Servers, cfg.Tuning, nil, log)
	b, err := newBinaryBackend(
		cfg,
		newLocator(cfg.hashing(), cfg.Servers),
		health.usable,
		log)
	c.Assert(err, IsNil)

	c.Assert(s.waitAccepted(3), Equals, int32(3))
	c.Assert(b.shutdown(), IsNil)
}

func (s *DialerSuite) TestBinaryBackendUnreachableServer(c *C) {
	log, hook := newTestLogger()

	listener, err := nettest.NewLocalListener("tcp4")
	c.Assert(err, IsNil)
	port := listener.Addr().(*net.TCPAddr).Port
	c.Assert(listener.Close(), IsNil)

	cfg := NewConfig("127.0.0.1:"+strconv.Itoa(port)+":1", log)
	cfg.Client = BinaryClient
	cfg.Tuning.ConnectTimeout = time.Second

	health := newHealthTracker(cfg.Servers, cfg.Tuning, nil, log)
	b, err := newBinaryBackend(
		cfg,
		newLocator(cfg.hashing(), cfg.Servers),
		health.usable,
		log)

	// The pool is still built; the failure is only logged.
	c.Assert(err, IsNil)
	c.Assert(hook.LastEntry().Message, Equals,
		"unable to open initial memcached connection")
	c.Assert(b.shutdown(), IsNil)
}

// Speaks just enough of the text protocol for set and version, and counts
// opened and closed connections.
type textServer struct {
	listener net.Listener
	opened   int32
	closed   int32
}

func newTextServer(c *C) *textServer {
	listener, err := nettest.NewLocalListener("tcp4")
	c.Assert(err, IsNil)

	srv := &textServer{listener: listener}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&srv.opened, 1)
			go srv.serve(conn)
		}
	}()
	return srv
}

func (srv *textServer) serve(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		atomic.AddInt32(&srv.closed, 1)
	}()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		var reply string
		switch fields[0] {
		case "set":
			// Skip the data block.
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			reply = "STORED\r\n"
		case "version":
			reply = "VERSION 1.6.0\r\n"
		default:
			reply = "ERROR\r\n"
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (srv *textServer) addr() string {
	return srv.listener.Addr().String()
}

type ClassicShutdownSuite struct {
	srv *textServer
}

var _ = Suite(&ClassicShutdownSuite{})

func (s *ClassicShutdownSuite) SetUpTest(c *C) {
	s.srv = newTextServer(c)
}

func (s *ClassicShutdownSuite) TearDownTest(c *C) {
	_ = s.srv.listener.Close()
}

func (s *ClassicShutdownSuite) TestShutdownClosesPooledConnections(c *C) {
	log, _ := newTestLogger()

	client, err := Open(
		NewConfig(s.srv.addr()+":1", log),
		WithLogger(log),
		WithoutMaintenance())
	c.Assert(err, IsNil)

	ctx := context.Background()
	c.Assert(client.Set(ctx, "k", []byte("v"), 0), IsNil)
	c.Assert(client.Status(ctx).Healthy(), Equals, true)

	// One connection for the data client and one for the pinger.
	c.Assert(atomic.LoadInt32(&s.srv.opened), Equals, int32(2))
	c.Assert(atomic.LoadInt32(&s.srv.closed), Equals, int32(0))

	c.Assert(client.Shutdown(), IsNil)

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&s.srv.closed) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Assert(atomic.LoadInt32(&s.srv.closed), Equals, int32(2))
}
