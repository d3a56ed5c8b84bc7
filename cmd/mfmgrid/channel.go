package main

import "mfmcore/internal/cacheproto"

// bufferedChannel is the in-process cacheproto.Channel implementation
// promised by internal/grid's doc comment and internal/cacheproto's
// Channel doc comment: tiles sharing one process never need real
// sockets, so a pair of cross-wired buffered Go channels stands in for
// the wire.
type bufferedChannel struct {
	in  chan []byte
	out chan []byte
}

// newBufferedChannelPair returns a linked pair suitable for
// grid.ChannelPairFactory: frames sent on a arrive on b, and vice versa.
func newBufferedChannelPair() (a, b cacheproto.Channel) {
	const depth = 256
	ab := make(chan []byte, depth)
	ba := make(chan []byte, depth)
	return &bufferedChannel{in: ba, out: ab}, &bufferedChannel{in: ab, out: ba}
}

func (c *bufferedChannel) TrySend(frame []byte) bool {
	cp := append([]byte(nil), frame...)
	select {
	case c.out <- cp:
		return true
	default:
		return false
	}
}

func (c *bufferedChannel) TryRecv() ([]byte, bool) {
	select {
	case f := <-c.in:
		return f, true
	default:
		return nil, false
	}
}
