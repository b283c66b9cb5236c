package fiberio

import (
	"sync"
	"time"
)

// FdState tracks the per-fd bookkeeping IOContext needs that epoll itself
// has no notion of: whether the fd is a socket (accept/connect apply),
// whether this package put it in nonblocking mode (so Close could restore
// it, if a caller ever needed the fd back in blocking mode), the user's
// requested nonblocking semantics (skip the yield-and-wait dance entirely,
// surfacing EAGAIN to the caller instead), and per-fd recv/send deadlines.
type FdState struct {
	mu sync.Mutex

	isSocket       bool
	systemNonblock bool
	userNonblock   bool
	closed         bool

	recvTimeout time.Duration
	sendTimeout time.Duration
}

// SetUserNonblock controls whether Read/Write return EAGAIN immediately
// instead of yielding the calling fiber until the fd is ready. Accept and
// Connect do not consult it.
func (s *FdState) SetUserNonblock(v bool) {
	s.mu.Lock()
	s.userNonblock = v
	s.mu.Unlock()
}

// SetRecvTimeout bounds how long Read will yield waiting for readability
// before returning ErrTimedOut. Zero means no deadline. Accept takes its
// timeout as an argument instead.
func (s *FdState) SetRecvTimeout(d time.Duration) {
	s.mu.Lock()
	s.recvTimeout = d
	s.mu.Unlock()
}

// SetSendTimeout bounds how long Write will yield waiting for writability
// before returning ErrTimedOut. Zero means no deadline. Connect takes its
// timeout as an argument instead.
func (s *FdState) SetSendTimeout(d time.Duration) {
	s.mu.Lock()
	s.sendTimeout = d
	s.mu.Unlock()
}

func (s *FdState) snapshot() (userNonblock, closed bool, recvTimeout, sendTimeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userNonblock, s.closed, s.recvTimeout, s.sendTimeout
}

// stateFor returns fd's FdState, growing the table and lazily allocating
// the slot on first use, the same policy as the epoll fd table.
func (io *IOManager) stateFor(fd int) (*FdState, error) {
	if fd < 0 {
		return nil, ErrFDOutOfRange
	}
	io.stateMu.RLock()
	if fd < len(io.states) && io.states[fd] != nil {
		s := io.states[fd]
		io.stateMu.RUnlock()
		return s, nil
	}
	io.stateMu.RUnlock()

	io.stateMu.Lock()
	defer io.stateMu.Unlock()
	if fd >= len(io.states) {
		newLen := len(io.states)
		if newLen == 0 {
			newLen = 64
		}
		for newLen <= fd {
			newLen += newLen/2 + 1
		}
		grown := make([]*FdState, newLen)
		copy(grown, io.states)
		io.states = grown
	}
	if io.states[fd] == nil {
		io.states[fd] = &FdState{}
	}
	return io.states[fd], nil
}

// PrepareFD registers fd with the IOManager's fd-state table, puts it in
// O_NONBLOCK if it is not already, and records isSocket for Accept/Connect.
// Callers (tcpserver.go, or application code reaching for IOContext
// directly) must call this once per fd before issuing Read/Write/Accept/
// Connect/Sleep through IOContext.
func (io *IOManager) PrepareFD(fd int, isSocket bool) (*FdState, error) {
	st, err := io.stateFor(fd)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrClosed
	}
	st.isSocket = isSocket
	if err := setNonblock(fd, true); err != nil {
		return nil, err
	}
	st.systemNonblock = true
	return st, nil
}
