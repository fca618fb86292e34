//go:build linux
// +build linux

package libevfibers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damoxinjiang/libevfibers/ev"
)

// newTestRuntime builds a loop plus context; the test goroutine is the root
// fiber.
func newTestRuntime(t *testing.T) (*ev.Loop, *Context) {
	t.Helper()
	loop, err := ev.NewLoop()
	require.NoError(t, err)
	c := New(loop)
	t.Cleanup(func() {
		c.Destroy()
		require.NoError(t, loop.Close())
	})
	return loop, c
}

func TestPingPong(t *testing.T) {
	_, c := newTestRuntime(t)

	var a, b *Fiber
	a = c.Create("A", func(c *Context) {
		var info *CallInfo
		assert.True(t, c.NextCallInfo(&info))
		assert.Equal(t, &c.root, info.Caller)
		assert.Empty(t, info.Args)

		assert.NoError(t, c.Call(b, ArgInt(1)))

		assert.True(t, c.NextCallInfo(&info))
		assert.Equal(t, b, info.Caller)
		assert.Equal(t, int64(2), info.Args[0].I)
		assert.False(t, c.NextCallInfo(nil))

		// b is still parked in its call into this fiber; hand control back
		// so it can finish before we do
		c.Yield()
	}, 0)
	b = c.Create("B", func(c *Context) {
		var info *CallInfo
		assert.True(t, c.NextCallInfo(&info))
		assert.Equal(t, a, info.Caller)
		assert.Equal(t, int64(1), info.Args[0].I)
		assert.False(t, c.NextCallInfo(nil))

		assert.NoError(t, c.Call(a, ArgInt(2)))
	}, 0)

	require.NoError(t, c.Call(a))
	require.Len(t, c.stack, 1)
	require.Same(t, &c.root, c.stack[0].fiber)
	require.True(t, c.IsReclaimed(a))
	require.True(t, c.IsReclaimed(b))
}

func TestCallReclaimedFiber(t *testing.T) {
	_, c := newTestRuntime(t)

	f := c.Create("noop", func(c *Context) {}, 0)
	require.NoError(t, c.CallNoInfo(f))
	require.True(t, c.IsReclaimed(f))

	err := c.CallNoInfo(f)
	require.ErrorIs(t, err, ErrNoFiber)
	require.Equal(t, ENoFiber, c.LastError())
}

func TestTooManyArgs(t *testing.T) {
	_, c := newTestRuntime(t)

	f := c.Create("noop", func(c *Context) {}, 0)
	args := make([]Arg, MaxArgNum+1)
	err := c.Call(f, args...)
	require.ErrorIs(t, err, ErrInvalid)
	require.Equal(t, EInvalid, c.LastError())

	// the fiber never ran
	require.False(t, c.IsReclaimed(f))
	require.NoError(t, c.CallNoInfo(f))
}

func TestRootMustNotYield(t *testing.T) {
	_, c := newTestRuntime(t)
	require.Panics(t, func() { c.Yield() })
}

func TestPoolReuse(t *testing.T) {
	_, c := newTestRuntime(t)

	f1 := c.Create("first", func(c *Context) {}, 128*1024)
	size := f1.StackSize()
	require.NoError(t, c.CallNoInfo(f1))
	require.True(t, c.IsReclaimed(f1))

	// the retired record is reused, stack and recorded size retained
	f2 := c.Create("second", func(c *Context) {}, 0)
	require.Same(t, f1, f2)
	require.False(t, c.IsReclaimed(f2))
	require.Equal(t, size, f2.StackSize())
	require.Equal(t, "second", f2.Name())

	require.NoError(t, c.CallNoInfo(f2))
}

func TestPoolBoundedByPeakFibers(t *testing.T) {
	_, c := newTestRuntime(t)

	records := make(map[*Fiber]bool)
	for i := 0; i < 100; i++ {
		f := c.Create("worker", func(c *Context) {}, 0)
		records[f] = true
		require.NoError(t, c.CallNoInfo(f))
	}
	// one live fiber at a time, so a single record serves all cycles
	require.Len(t, records, 1)
}

func TestReclaimWhileSleeping(t *testing.T) {
	loop, c := newTestRuntime(t)

	reached := false
	f := c.Create("sleeper", func(c *Context) {
		c.Sleep(10 * time.Second) // meant to be cut short
		reached = true
	}, 0)
	require.NoError(t, c.CallNoInfo(f))

	c.Reclaim(f)
	require.True(t, c.IsReclaimed(f))
	require.ErrorIs(t, c.CallNoInfo(f), ErrNoFiber)

	// the timer was stopped with the fiber, so the loop has nothing to wait
	// for and returns at once
	require.NoError(t, loop.Run())
	require.False(t, reached)
}

func TestReclaimIsRecursive(t *testing.T) {
	_, c := newTestRuntime(t)

	var child *Fiber
	parent := c.Create("parent", func(c *Context) {
		child = c.Create("child", func(c *Context) {
			c.Yield()
		}, 0)
		assert.NoError(t, c.CallNoInfo(child))
		c.Yield()
	}, 0)
	require.NoError(t, c.CallNoInfo(parent))
	require.NotNil(t, child)
	require.False(t, c.IsReclaimed(child))

	c.Reclaim(parent)
	require.True(t, c.IsReclaimed(parent))
	require.True(t, c.IsReclaimed(child))
}

func TestDumpStack(t *testing.T) {
	_, c := newTestRuntime(t)
	c.EnableBacktraces(true)

	var lines int
	f := c.Create("dumper", func(c *Context) {
		c.DumpStack(func(format string, args ...interface{}) { lines++ })
	}, 0)
	require.NoError(t, c.CallNoInfo(f))
	require.Greater(t, lines, 2)
}

func TestStrerror(t *testing.T) {
	require.Equal(t, "Success", Strerror(Success))
	require.Equal(t, "Invalid argument", Strerror(EInvalid))
	require.Equal(t, "No such fiber", Strerror(ENoFiber))
	require.Equal(t, "Unknown error", Strerror(ErrorCode(42)))
}
