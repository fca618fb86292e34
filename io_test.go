//go:build linux
// +build linux

package libevfibers

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpair returns a connected non-blocking stream pair.
func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadWakesOnData(t *testing.T) {
	loop, c := newTestRuntime(t)
	rd, wr := socketpair(t)

	var got []byte
	f := c.Create("reader", func(c *Context) {
		buf := make([]byte, 16)
		n, err := c.Read(rd, buf)
		assert.NoError(t, err)
		got = append(got, buf[:n]...)
	}, 0)
	require.NoError(t, c.CallNoInfo(f))

	_, err := unix.Write(wr, []byte("ping"))
	require.NoError(t, err)

	require.NoError(t, loop.Run())
	require.Equal(t, []byte("ping"), got)
	require.False(t, f.wIOExpected)
}

func TestEcho(t *testing.T) {
	loop, c := newTestRuntime(t)
	rd, wr := socketpair(t)

	server := c.Create("echo-server", func(c *Context) {
		line := make([]byte, 64)
		n, err := c.ReadLine(rd, line)
		assert.NoError(t, err)
		_, err = c.WriteAll(rd, line[:n])
		assert.NoError(t, err)
	}, 0)
	var reply []byte
	client := c.Create("echo-client", func(c *Context) {
		_, err := c.WriteAll(wr, []byte("hello\n"))
		assert.NoError(t, err)
		buf := make([]byte, 6)
		n, err := c.ReadAll(wr, buf)
		assert.NoError(t, err)
		reply = buf[:n]
	}, 0)
	require.NoError(t, c.CallNoInfo(server))
	require.NoError(t, c.CallNoInfo(client))

	require.NoError(t, loop.Run())
	require.Equal(t, []byte("hello\n"), reply)
}

func TestReadAllWriteAllLarge(t *testing.T) {
	loop, c := newTestRuntime(t)
	rd, wr := socketpair(t)

	// big enough to overflow the socket buffers and exercise the EAGAIN
	// re-yield path on both sides
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}

	writer := c.Create("writer", func(c *Context) {
		n, err := c.WriteAll(wr, payload)
		assert.NoError(t, err)
		assert.Equal(t, len(payload), n)
		assert.NoError(t, unix.Shutdown(wr, unix.SHUT_WR))
	}, 0)
	var got []byte
	reader := c.Create("reader", func(c *Context) {
		buf := make([]byte, len(payload))
		n, err := c.ReadAll(rd, buf)
		assert.NoError(t, err)
		got = buf[:n]
	}, 0)
	require.NoError(t, c.CallNoInfo(reader))
	require.NoError(t, c.CallNoInfo(writer))

	require.NoError(t, loop.Run())
	require.True(t, bytes.Equal(payload, got))
}

func TestReadLine(t *testing.T) {
	loop, c := newTestRuntime(t)
	rd, wr := socketpair(t)

	var lines [][]byte
	f := c.Create("liner", func(c *Context) {
		for i := 0; i < 2; i++ {
			buf := make([]byte, 64)
			n, err := c.ReadLine(rd, buf)
			assert.NoError(t, err)
			lines = append(lines, buf[:n])
		}
	}, 0)
	require.NoError(t, c.CallNoInfo(f))

	_, err := unix.Write(wr, []byte("one\ntwo\n"))
	require.NoError(t, err)

	require.NoError(t, loop.Run())
	require.Equal(t, [][]byte{[]byte("one\n"), []byte("two\n")}, lines)
}

func TestSpuriousWakeReturnsEINTR(t *testing.T) {
	loop, c := newTestRuntime(t)
	rd, _ := socketpair(t)

	var f *Fiber
	f = c.Create("blocked", func(c *Context) {
		buf := make([]byte, 8)
		n, err := c.Read(rd, buf)
		assert.Equal(t, -1, n)
		assert.ErrorIs(t, err, unix.EINTR)
	}, 0)
	intruder := c.Create("intruder", func(c *Context) {
		// a direct fiber-to-fiber call is not a reactor completion
		assert.NoError(t, c.CallNoInfo(f))
	}, 0)

	require.NoError(t, c.CallNoInfo(f))
	require.True(t, f.wIOExpected)
	require.NoError(t, c.CallNoInfo(intruder))

	// the wrapper disarmed its watcher on the way out
	require.False(t, f.wIOExpected)
	require.True(t, c.IsReclaimed(f))
	require.NoError(t, loop.Run())
}

func TestAccept(t *testing.T) {
	loop, c := newTestRuntime(t)

	lfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(lfd) })
	require.NoError(t, unix.SetNonblock(lfd, true))
	addr := &unix.SockaddrUnix{Name: t.TempDir() + "/accept.sock"}
	require.NoError(t, unix.Bind(lfd, addr))
	require.NoError(t, unix.Listen(lfd, 1))

	accepted := -1
	f := c.Create("acceptor", func(c *Context) {
		nfd, _, err := c.Accept(lfd)
		assert.NoError(t, err)
		accepted = nfd
	}, 0)
	require.NoError(t, c.CallNoInfo(f))

	cfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(cfd) })
	require.NoError(t, unix.Connect(cfd, addr))

	require.NoError(t, loop.Run())
	require.GreaterOrEqual(t, accepted, 0)
	unix.Close(accepted)
}

func TestRecvfromSendto(t *testing.T) {
	loop, c := newTestRuntime(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}

	var got []byte
	receiver := c.Create("receiver", func(c *Context) {
		buf := make([]byte, 32)
		n, _, err := c.Recvfrom(fds[0], buf, 0)
		assert.NoError(t, err)
		got = buf[:n]
	}, 0)
	sender := c.Create("sender", func(c *Context) {
		assert.NoError(t, c.Sendto(fds[1], []byte("datagram"), 0, nil))
	}, 0)
	require.NoError(t, c.CallNoInfo(receiver))
	require.NoError(t, c.CallNoInfo(sender))

	require.NoError(t, loop.Run())
	require.Equal(t, []byte("datagram"), got)
}

func TestSleepElapses(t *testing.T) {
	loop, c := newTestRuntime(t)

	var rem time.Duration = -1
	f := c.Create("sleeper", func(c *Context) {
		rem = c.Sleep(30 * time.Millisecond)
	}, 0)
	require.NoError(t, c.CallNoInfo(f))

	start := time.Now()
	require.NoError(t, loop.Run())
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	require.Equal(t, time.Duration(0), rem)
}

func TestSleepInterrupted(t *testing.T) {
	loop, c := newTestRuntime(t)

	var rem time.Duration
	var f *Fiber
	f = c.Create("sleeper", func(c *Context) {
		rem = c.Sleep(10 * time.Second)
	}, 0)
	waker := c.Create("waker", func(c *Context) {
		assert.NoError(t, c.CallNoInfo(f))
	}, 0)
	require.NoError(t, c.CallNoInfo(f))
	require.NoError(t, c.CallNoInfo(waker))

	// the early wake reported the unslept remainder and stopped the timer
	require.Greater(t, rem, 9*time.Second)
	require.False(t, f.wTimerExpected)
	require.NoError(t, loop.Run())
}
