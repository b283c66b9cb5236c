//go:build linux

package fiberio

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func echoHandler(ctx context.Context, fd int, remote unix.Sockaddr) {
	io := IOFromContext(ctx)
	defer io.Close(fd)
	buf := make([]byte, 4096)
	for {
		n, err := io.Read(fd, buf)
		if n == 0 || err != nil {
			return
		}
		if _, err := io.Write(fd, buf[:n]); err != nil {
			return
		}
	}
}

func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	workers, err := NewIOManager(2, false, "test-tcp-workers")
	require.NoError(t, err)
	accept, err := NewIOManager(1, false, "test-tcp-accept")
	require.NoError(t, err)

	srv := NewServer(workers, accept, echoHandler)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	require.NoError(t, workers.Start())
	require.NoError(t, accept.Start())
	srv.Start()

	// Listen bound an ephemeral port; discover it via the raw listening fd.
	sa, err := unix.Getsockname(srv.listenFds[0])
	require.NoError(t, err)
	sa4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	addr = net.JoinHostPort(net.IP(sa4.Addr[:]).String(), strconv.Itoa(sa4.Port))

	return addr, func() {
		srv.Stop()
		accept.Stop()
		workers.Stop()
		_ = accept.Close()
		_ = workers.Close()
	}
}

func TestServer_EchoOnLoopback(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello fiberio"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello fiberio", string(buf[:n]))
}

func TestServer_MultipleConnectionsConcurrently(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	const clients = 8
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			msg := []byte{byte('a' + i)}
			if _, err := conn.Write(msg); err != nil {
				errs <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			buf := make([]byte, 1)
			if _, err := conn.Read(buf); err != nil {
				errs <- err
				return
			}
			if buf[0] != msg[0] {
				errs <- fmt.Errorf("echoed byte %q, want %q", buf[0], msg[0])
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < clients; i++ {
		require.NoError(t, <-errs)
	}
}

func TestIOContext_ReadTimeout(t *testing.T) {
	io, err := NewIOManager(1, false, "test-read-timeout")
	require.NoError(t, err)
	require.NoError(t, io.Start())
	defer func() {
		io.Stop()
		_ = io.Close()
	}()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a, b := fds[0], fds[1]
	defer unix.Close(b)

	st, err := io.PrepareFD(a, false)
	require.NoError(t, err)
	st.SetRecvTimeout(20 * time.Millisecond)

	start := time.Now()
	done := make(chan error, 1)
	require.NoError(t, io.Schedule(func(ctx context.Context) {
		buf := make([]byte, 4)
		_, err := IOFromContext(ctx).Read(a, buf)
		done <- err
	}, AnyWorker))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTimedOut)
		require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("read never timed out")
	}
}

func TestServer_StopClosesListenerAndRejectsNewConnections(t *testing.T) {
	addr, stop := startEchoServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	conn.Close()

	stop()

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
}
