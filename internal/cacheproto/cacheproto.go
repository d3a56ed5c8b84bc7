// Package cacheproto implements the wire grammar cache processors exchange
// over a Channel (defined below; spec.md §6): a single-byte tag per frame, followed
// by fixed-width fields, host-endian, matching the "atoms are transmitted
// bit-exact" rule that also governs internal/atom's own Bytes/FromBytes.
package cacheproto

import (
	"encoding/binary"
	"fmt"

	"mfmcore/internal/atom"
)

// Tag identifies a frame kind.
type Tag byte

const (
	TagLock Tag = iota + 1
	TagLockAck
	TagUpdateBegin
	TagUpdate
	TagUpdateEnd
	TagUpdateEndAck
	TagUnlock
	TagUnlockAck
)

func (t Tag) String() string {
	switch t {
	case TagLock:
		return "LOCK"
	case TagLockAck:
		return "LOCK_ACK"
	case TagUpdateBegin:
		return "UPDATE_BEGIN"
	case TagUpdate:
		return "UPDATE"
	case TagUpdateEnd:
		return "UPDATE_END"
	case TagUpdateEndAck:
		return "UPDATE_END_ACK"
	case TagUnlock:
		return "UNLOCK"
	case TagUnlockAck:
		return "UNLOCK_ACK"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// byteOrder is host-endian per spec.md §6 ("grids are not portable across
// endianness unless the transport swaps"); binary.NativeEndian encodes in
// whatever order this process's architecture uses, with no swap.
var byteOrder = binary.NativeEndian

const updatePayloadLen = 4 + 4 + atom.Words*4 + 1 // x, y, atom bits, differs_flag

// boolByte/byteBool convert the wire's single-byte boolean encoding.
func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func byteBool(b byte) bool { return b != 0 }

// Lock encodes a LOCK(dir) frame.
func Lock(dir byte) []byte { return tagDir(TagLock, dir) }

// LockAck encodes a LOCK_ACK(dir) frame.
func LockAck(dir byte) []byte { return tagDir(TagLockAck, dir) }

// Unlock encodes an UNLOCK(dir) frame.
func Unlock(dir byte) []byte { return tagDir(TagUnlock, dir) }

// UnlockAck encodes an UNLOCK_ACK(dir) frame.
func UnlockAck(dir byte) []byte { return tagDir(TagUnlockAck, dir) }

func tagDir(tag Tag, dir byte) []byte {
	return []byte{byte(tag), dir}
}

// DecodeDir reads the direction byte out of a LOCK/LOCK_ACK/UNLOCK/
// UNLOCK_ACK frame. Callers must check PeekTag first.
func DecodeDir(frame []byte) (byte, error) {
	if len(frame) != 2 {
		return 0, fmt.Errorf("cacheproto: dir frame must be 2 bytes, got %d", len(frame))
	}
	return frame[1], nil
}

// UpdateBegin encodes an UPDATE_BEGIN frame (tag only, no payload).
func UpdateBegin() []byte { return []byte{byte(TagUpdateBegin)} }

// Update encodes an UPDATE(x, y, atom_bits, differs_flag) frame. x and y are
// tile-local coordinates in the receiver's frame: the sender translates
// them with geometry.Config.NeighborLocal before encoding, and the receiver
// applies them without any further transform.
func Update(x, y int32, a atom.Atom, differsFlag bool) []byte {
	buf := make([]byte, 1+updatePayloadLen)
	buf[0] = byte(TagUpdate)
	byteOrder.PutUint32(buf[1:5], uint32(x))
	byteOrder.PutUint32(buf[5:9], uint32(y))
	copy(buf[9:9+atom.Words*4], a.Bytes())
	buf[9+atom.Words*4] = boolByte(differsFlag)
	return buf
}

// DecodeUpdate parses the payload of an UPDATE frame (tag byte already
// stripped by the caller, i.e. frame[1:] of the raw bytes).
func DecodeUpdate(frame []byte) (x, y int32, a atom.Atom, differsFlag bool, err error) {
	if len(frame) != updatePayloadLen {
		return 0, 0, atom.Atom{}, false, fmt.Errorf("cacheproto: UPDATE payload must be %d bytes, got %d", updatePayloadLen, len(frame))
	}
	x = int32(byteOrder.Uint32(frame[0:4]))
	y = int32(byteOrder.Uint32(frame[4:8]))
	a = atom.FromBytes(frame[8 : 8+atom.Words*4])
	differsFlag = byteBool(frame[8+atom.Words*4])
	return x, y, a, differsFlag, nil
}

// UpdateEnd encodes an UPDATE_END(consistent_count) frame.
func UpdateEnd(consistentCount int32) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(TagUpdateEnd)
	byteOrder.PutUint32(buf[1:5], uint32(consistentCount))
	return buf
}

// DecodeCount parses the single int32 payload shared by UPDATE_END and
// UPDATE_END_ACK (tag byte already stripped).
func DecodeCount(frame []byte) (int32, error) {
	if len(frame) != 4 {
		return 0, fmt.Errorf("cacheproto: count payload must be 4 bytes, got %d", len(frame))
	}
	return int32(byteOrder.Uint32(frame[0:4])), nil
}

// UpdateEndAck encodes an UPDATE_END_ACK(consistent_count_remote) frame.
func UpdateEndAck(consistentCountRemote int32) []byte {
	buf := make([]byte, 5)
	buf[0] = byte(TagUpdateEndAck)
	byteOrder.PutUint32(buf[1:5], uint32(consistentCountRemote))
	return buf
}

// Channel is the abstract per-adjacency transport a cache processor sends
// and receives frames over (spec.md §4.7): reliable, ordered, byte-stream,
// full-duplex, non-blocking. The core only consumes this interface;
// cmd/mfmgrid supplies an in-process implementation, since tiles sharing
// one process never need real sockets.
type Channel interface {
	// TrySend enqueues frame without blocking, returning false if the
	// channel's outbound buffering is full (spec.md §7's recoverable
	// "channel would-block").
	TrySend(frame []byte) bool

	// TryRecv returns the next queued inbound frame without blocking,
	// ok=false if none is available.
	TryRecv() (frame []byte, ok bool)
}

// PeekTag reads the leading tag byte of a frame without consuming it,
// returning an error on an empty or unrecognized frame.
func PeekTag(frame []byte) (Tag, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("cacheproto: empty frame")
	}
	t := Tag(frame[0])
	switch t {
	case TagLock, TagLockAck, TagUpdateBegin, TagUpdate, TagUpdateEnd, TagUpdateEndAck, TagUnlock, TagUnlockAck:
		return t, nil
	default:
		return 0, fmt.Errorf("cacheproto: unrecognized tag %d", frame[0])
	}
}
