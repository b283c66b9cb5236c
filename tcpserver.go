package fiberio

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// HandleClient is invoked, as its own fiber, once per accepted connection.
// fd is already nonblocking and registered with Server.Workers; the handler
// is responsible for closing it (via IOFromContext(ctx).Close(fd)) when
// done.
type HandleClient func(ctx context.Context, fd int, remote unix.Sockaddr)

// Server is a minimal TCP server skeleton: Start schedules one accept-loop
// fiber per bound listener on AcceptWorkers; each accepted connection is
// dispatched as a new fiber on Workers running Handler. Address parsing
// uses net.ResolveTCPAddr/net.SplitHostPort only — byte-buffer framing,
// protocol parsing, and everything above the raw-fd boundary is the
// caller's Handler, not this package's concern.
type Server struct {
	Name          string
	Workers       *IOManager
	AcceptWorkers *IOManager
	Handler       HandleClient
	ReadTimeout   time.Duration

	mu        sync.Mutex
	listenFds []int

	stopping atomic.Bool
}

// NewServer constructs a Server dispatching accepted connections onto
// workers and running its own accept loops on acceptWorkers (pass the same
// *IOManager for both if a single pool should do both jobs).
func NewServer(workers, acceptWorkers *IOManager, handler HandleClient) *Server {
	return &Server{
		Name:          "fiberio",
		Workers:       workers,
		AcceptWorkers: acceptWorkers,
		Handler:       handler,
		ReadTimeout:   120 * time.Second,
	}
}

// Listen binds and listens on address (host:port, per net.SplitHostPort),
// adding the resulting nonblocking listening fd to the server's set. Call
// before Start.
func (s *Server) Listen(address string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return fmt.Errorf("fiberio: resolve %q: %w", address, err)
	}

	var sa unix.Sockaddr
	domain := unix.AF_INET
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		s4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(s4.Addr[:], ip4)
		sa = s4
	} else {
		domain = unix.AF_INET6
		s6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		if tcpAddr.IP != nil {
			copy(s6.Addr[:], tcpAddr.IP.To16())
		}
		sa = s6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("fiberio: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("fiberio: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("fiberio: bind %q: %w", address, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("fiberio: listen %q: %w", address, err)
	}
	if _, err := s.AcceptWorkers.PrepareFD(fd, true); err != nil {
		_ = unix.Close(fd)
		return err
	}

	s.mu.Lock()
	s.listenFds = append(s.listenFds, fd)
	s.mu.Unlock()
	Logger().Info().Str("server", s.Name).Str("addr", address).Msg("server bind success")
	return nil
}

// Start schedules one accept-loop fiber per listener.
func (s *Server) Start() {
	s.mu.Lock()
	fds := append([]int(nil), s.listenFds...)
	s.mu.Unlock()
	for _, fd := range fds {
		fd := fd
		_ = s.AcceptWorkers.Schedule(func(ctx context.Context) {
			s.acceptLoop(ctx, fd)
		}, AnyWorker)
	}
}

func (s *Server) acceptLoop(ctx context.Context, fd int) {
	io := IOFromContext(ctx)
	log := LoggerFromContext(ctx).With().Str("server", s.Name).Int("listen_fd", fd).Logger()
	for !s.stopping.Load() {
		nfd, sa, err := io.Accept(fd, 0)
		if err != nil {
			if err == ErrClosed {
				return
			}
			log.Error().Err(err).Msg("accept failed")
			continue
		}
		if _, err := s.Workers.PrepareFD(nfd, true); err != nil {
			log.Error().Err(err).Msg("prepare accepted fd failed")
			_ = closeFD(nfd)
			continue
		}
		if st, err := s.Workers.stateFor(nfd); err == nil {
			st.SetRecvTimeout(s.ReadTimeout)
		}
		handler := s.Handler
		_ = s.Workers.Schedule(func(ctx2 context.Context) {
			handler(ctx2, nfd, sa)
		}, AnyWorker)
	}
}

// Stop marks the server as stopping and, from inside the accept worker,
// cancels any pending accepts and closes every listening socket.
func (s *Server) Stop() {
	s.stopping.Store(true)
	s.mu.Lock()
	fds := append([]int(nil), s.listenFds...)
	s.listenFds = nil
	s.mu.Unlock()
	for _, fd := range fds {
		fd := fd
		_ = s.AcceptWorkers.Schedule(func(ctx context.Context) {
			IOFromContext(ctx).Close(fd)
		}, AnyWorker)
	}
}
