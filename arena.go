//go:build linux
// +build linux

package libevfibers

import "container/list"

// The per-fiber memory arena. Every allocation belongs to the running fiber
// and is released either explicitly through Free or, together with all the
// others in insertion order, when the fiber is cleaned up. An allocation may
// carry a destructor that fires exactly once at release.

// DestructorFunc is invoked with the user buffer and the context supplied to
// AllocSetDestructor. Destructors must not re-enter fiber scheduling in ways
// that could reclaim their own fiber.
type DestructorFunc func(ptr []byte, dctx interface{})

type poolEntry struct {
	buf           []byte
	destructor    DestructorFunc
	destructorCtx interface{}
}

func (c *Context) allocInFiber(size int, f *Fiber) []byte {
	if size <= 0 {
		return nil
	}
	e := &poolEntry{buf: make([]byte, size)}
	el := f.pool.PushBack(e)
	if f.poolIndex == nil {
		f.poolIndex = make(map[*byte]*list.Element)
	}
	f.poolIndex[&e.buf[0]] = el
	return e.buf
}

// Alloc allocates size bytes in the running fiber's arena.
func (c *Context) Alloc(size int) []byte {
	return c.allocInFiber(size, c.currentFiber())
}

// Calloc allocates n*size zero-initialized bytes in the running fiber's
// arena.
func (c *Context) Calloc(n, size int) []byte {
	return c.allocInFiber(n*size, c.currentFiber())
}

// AllocSetDestructor attaches a destructor to an arena allocation of the
// running fiber.
func (c *Context) AllocSetDestructor(ptr []byte, fn DestructorFunc, dctx interface{}) {
	f := c.currentFiber()
	el, ok := f.poolIndex[&ptr[0]]
	if !ok {
		c.logger.Errorf("address %p does not look like fiber memory", &ptr[0])
		panic("libevfibers: destructor on a foreign pointer")
	}
	e := el.Value.(*poolEntry)
	e.destructor = fn
	e.destructorCtx = dctx
}

func (c *Context) freeEntry(f *Fiber, el *list.Element) {
	e := el.Value.(*poolEntry)
	f.pool.Remove(el)
	delete(f.poolIndex, &e.buf[0])
	if e.destructor != nil {
		e.destructor(e.buf, e.destructorCtx)
	}
}

// Free releases an arena allocation of the running fiber, invoking its
// destructor if one was set. Freeing a pointer that is not a live arena
// allocation of this fiber is a programmer error and aborts.
func (c *Context) Free(ptr []byte) {
	if len(ptr) == 0 {
		return
	}
	f := c.currentFiber()
	el, ok := f.poolIndex[&ptr[0]]
	if !ok {
		c.logger.Errorf("address %p does not look like fiber memory", &ptr[0])
		panic("libevfibers: free of a foreign pointer")
	}
	c.freeEntry(f, el)
}

// arenaCleanup releases every outstanding allocation of f in insertion
// order.
func (c *Context) arenaCleanup(f *Fiber) {
	for el := f.pool.Front(); el != nil; el = f.pool.Front() {
		c.freeEntry(f, el)
	}
	f.poolIndex = nil
}
