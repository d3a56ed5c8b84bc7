// Package cacheproc implements the per-(tile, direction) cache processor
// state machine (spec.md §4.2): it ships outbound updates from this tile's
// SHARED band to the neighbor's CACHE band, receives and applies inbound
// updates in the reverse direction, and runs the LOCK/UNLOCK wire
// handshake that synchronizes the two sides' timing for an update batch.
//
// The wire handshake is distinct from internal/lock.Boundary, the actual
// mutual-exclusion primitive (spec.md §4.3): the event window acquires the
// real Boundary directly, in canonical direction order, before it starts a
// processor's handshake, and releases it before TryEventAt returns. A
// Processor never touches a Boundary itself; the rest of a handshake runs
// on later Advance calls, after that Boundary has been released.
//
// Modeled as an explicit finite-state machine with step-advance, not a
// cooperative goroutine (DESIGN NOTES §9), matching the teacher's
// epoch/CAS-driven style of making every state transition an explicit,
// inspectable operation rather than a blocking call.
package cacheproc

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"

	"mfmcore/internal/atom"
	"mfmcore/internal/cacheproto"
	"mfmcore/internal/geometry"
	"mfmcore/internal/mfmerr"
	"mfmcore/internal/mfmlog"
)

// State is one of the eight cache-processor states named in spec.md §4.2.
type State int

const (
	Unconnected State = iota
	Idle
	LockRequested
	LockHeld
	Sending
	Receiving
	CommitWait
	Releasing
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "UNCONNECTED"
	case Idle:
		return "IDLE"
	case LockRequested:
		return "LOCK_REQUESTED"
	case LockHeld:
		return "LOCK_HELD"
	case Sending:
		return "SENDING"
	case Receiving:
		return "RECEIVING"
	case CommitWait:
		return "COMMIT_WAIT"
	case Releasing:
		return "RELEASING"
	default:
		return "UNKNOWN"
	}
}

// Update is one staged (coordinate, atom) write, tagged with the sender's
// locally-observed differs_flag (spec.md §4.2's piggyback consistency
// cross-check).
type Update struct {
	X, Y        int32
	Atom        atom.Atom
	DiffersFlag bool
}

// ApplyFunc writes an inbound update into the owning tile's site storage
// and reports the atom that was previously stored there, so the processor
// can compute the receiver-side consistent/differs tally (spec.md §4.2
// "Update application (receiver)"). Supplied by the tile, which alone owns
// site storage (spec.md §5's "Sites: owned exclusively by one tile").
type ApplyFunc func(x, y int32, a atom.Atom) (old atom.Atom)

// Processor is one (tile, direction) cache processor.
type Processor struct {
	dir                geometry.Dir
	channel            cacheproto.Channel
	apply              ApplyFunc
	log                *mfmlog.Logger
	divergenceLimiter  *catrate.Limiter
	divergenceCategory string
	strict             bool

	state State

	// outbound (this side is the requester/sender)
	sentConsistent int32

	// inbound (this side is the responder/receiver)
	inbox          []Update
	recvConsistent int32

	// fatalErr is set once, the first time a divergence is observed while
	// strict is true (spec.md §9's resolved Open Question). Sticky: once
	// set, the owning tile's run loop is expected to stop calling Advance
	// on this processor, per mfmerr's "Fatal errors unwind to the top of a
	// tile's run loop" tier.
	fatalErr error
}

// New constructs an unconnected processor for one tile direction. log may
// be nil, in which case mfmlog.Discard is used. divergenceLimiter may be
// nil, disabling rate-limited divergence logging (every mismatch logs).
// strict promotes a differs_flag divergence from DetectedAndLogged to
// Fatal (Config.StrictCacheConsistency, spec.md §9).
func New(dir geometry.Dir, apply ApplyFunc, log *mfmlog.Logger, divergenceLimiter *catrate.Limiter, strict bool) *Processor {
	if log == nil {
		log = mfmlog.Discard
	}
	return &Processor{
		dir:                dir,
		apply:              apply,
		log:                log,
		divergenceLimiter:  divergenceLimiter,
		divergenceCategory: dir.String(),
		strict:             strict,
	}
}

// Err returns the sticky fatal error raised by a strict-mode divergence,
// or nil if none has occurred.
func (p *Processor) Err() error { return p.fatalErr }

// Connect installs the channel and moves the processor UNCONNECTED → IDLE
// (spec.md §4.2).
func (p *Processor) Connect(ch cacheproto.Channel) {
	p.channel = ch
	p.state = Idle
}

// State returns the processor's current state.
func (p *Processor) State() State { return p.state }

// IsIdle reports whether the processor is quiescent (spec.md §4.2 "Idle
// predicate"): IDLE or UNCONNECTED.
func (p *Processor) IsIdle() bool {
	return p.state == Idle || p.state == Unconnected
}

// IsConnected reports whether Connect has been called.
func (p *Processor) IsConnected() bool {
	return p.state != Unconnected
}

// RequestLock is the event window's entry point for beginning
// participation in an event (spec.md §4.1 step 3 / §4.2 IDLE →
// LOCK_REQUESTED), called only after the caller has already acquired the
// real internal/lock.Boundary for this direction: it sends a LOCK(dir)
// frame and transitions. Returns false (no state change, no frame sent)
// if the processor isn't idle+connected or the channel can't accept the
// frame right now — the caller must release the boundary lock it already
// holds and try a different center (spec.md §4.1: "no retry here").
func (p *Processor) RequestLock() bool {
	if p.state != Idle {
		return false
	}
	if !p.channel.TrySend(cacheproto.Lock(byte(p.dir))) {
		return false
	}
	p.state = LockRequested
	return true
}

// Submit stages this event's writes for transmission once the boundary
// lock handshake completes (LOCK_HELD → SENDING, spec.md §4.2). updates
// must cover exactly the sites this event touched within the neighbor's
// shared band; consistentCount is this tile's locally-observed count of
// sites where (new atom == old atom) == !differsFlag, used for the
// cross-check tally on the peer.
func (p *Processor) Submit(updates []Update, consistentCount int32) bool {
	if p.state != LockHeld {
		return false
	}
	p.state = Sending
	if !p.channel.TrySend(cacheproto.UpdateBegin()) {
		return false
	}
	for _, u := range updates {
		if !p.channel.TrySend(cacheproto.Update(u.X, u.Y, u.Atom, u.DiffersFlag)) {
			return false
		}
	}
	if !p.channel.TrySend(cacheproto.UpdateEnd(consistentCount)) {
		return false
	}
	p.sentConsistent = consistentCount
	p.state = CommitWait
	return true
}

// Advance performs one non-blocking step: it polls for at most one inbound
// frame and drives whatever transition that frame (or lack of one)
// triggers. Returns whether any state changed. Called once per tick, in a
// per-tile-shuffled direction order, by the tile scheduler (spec.md §4.4
// step 3).
func (p *Processor) Advance() bool {
	if p.state == Unconnected {
		return false
	}

	frame, ok := p.channel.TryRecv()
	if !ok {
		return false
	}

	tag, err := cacheproto.PeekTag(frame)
	if err != nil {
		p.log.Warning().Str("dir", p.dir.String()).Err(err).Log("cacheproc: dropped malformed frame")
		return false
	}

	switch tag {
	case cacheproto.TagLock:
		return p.onLock(frame)
	case cacheproto.TagLockAck:
		return p.onLockAck(frame)
	case cacheproto.TagUpdateBegin:
		p.inbox = p.inbox[:0]
		return true
	case cacheproto.TagUpdate:
		return p.onUpdate(frame)
	case cacheproto.TagUpdateEnd:
		return p.onUpdateEnd(frame)
	case cacheproto.TagUpdateEndAck:
		return p.onUpdateEndAck(frame)
	case cacheproto.TagUnlock:
		return p.onUnlock(frame)
	case cacheproto.TagUnlockAck:
		return p.onUnlockAck(frame)
	default:
		return false
	}
}

// onLock handles an inbound LOCK(dir): IDLE → RECEIVING, acking
// immediately (spec.md §4.2 "Inbound mirror"). The sender already holds
// the real boundary lock by the time it sends LOCK; the responder has
// nothing of its own to acquire, only the wire handshake to complete.
func (p *Processor) onLock(frame []byte) bool {
	if p.state != Idle {
		return false
	}
	p.inbox = p.inbox[:0]
	p.recvConsistent = 0
	p.state = Receiving
	p.channel.TrySend(cacheproto.LockAck(byte(p.dir)))
	return true
}

// onLockAck handles LOCK_REQUESTED → LOCK_HELD.
func (p *Processor) onLockAck(frame []byte) bool {
	if p.state != LockRequested {
		return false
	}
	p.state = LockHeld
	return true
}

// onUpdate records one inbound (coordinate, atom, differs_flag) while
// RECEIVING.
func (p *Processor) onUpdate(frame []byte) bool {
	if p.state != Receiving {
		return false
	}
	x, y, a, differs, err := cacheproto.DecodeUpdate(frame[1:])
	if err != nil {
		p.log.Warning().Str("dir", p.dir.String()).Err(err).Log("cacheproc: dropped malformed UPDATE")
		return false
	}
	p.inbox = append(p.inbox, Update{X: x, Y: y, Atom: a, DiffersFlag: differs})
	return true
}

// onUpdateEnd applies every recorded update, tallies local consistency,
// cross-checks it against the sender's count, and acks (spec.md §4.2
// "Update application (receiver)").
func (p *Processor) onUpdateEnd(frame []byte) bool {
	if p.state != Receiving {
		return false
	}
	senderCount, err := cacheproto.DecodeCount(frame[1:])
	if err != nil {
		p.log.Warning().Str("dir", p.dir.String()).Err(err).Log("cacheproc: dropped malformed UPDATE_END")
		return false
	}

	var consistent int32
	for _, u := range p.inbox {
		old := p.apply(u.X, u.Y, u.Atom)
		wasEqual := old == u.Atom
		if wasEqual == !u.DiffersFlag {
			consistent++
		}
	}

	if consistent != senderCount {
		p.reportDivergence(senderCount, consistent)
	}

	p.recvConsistent = consistent
	p.channel.TrySend(cacheproto.UpdateEndAck(consistent))
	// Stays in Receiving until the matching UNLOCK arrives; still counts
	// as busy (not IDLE) per the idle predicate.
	return true
}

func (p *Processor) reportDivergence(expected, observed int32) {
	if p.strict {
		// Fatal, so it must never be swallowed by the log-rate budget
		// below: record it unconditionally, then fall through to also log
		// it (once, since the tile's run loop is expected to stop driving
		// this processor right after observing Err()).
		if p.fatalErr == nil {
			p.fatalErr = fmt.Errorf("%w: dir %s expected %d consistent, observed %d",
				mfmerr.ErrCacheDivergence, p.dir, expected, observed)
		}
		p.log.Err().
			Str("dir", p.dir.String()).
			Int("expected_consistent", int(expected)).
			Int("observed_consistent", int(observed)).
			Log("cacheproc: cache consistency divergence, strict mode, tile will stop")
		return
	}
	if p.divergenceLimiter != nil {
		if _, allowed := p.divergenceLimiter.Allow(p.divergenceCategory); !allowed {
			return
		}
	}
	p.log.Warning().
		Str("dir", p.dir.String()).
		Int("expected_consistent", int(expected)).
		Int("observed_consistent", int(observed)).
		Log("cacheproc: cache consistency divergence")
}

// onUpdateEndAck handles COMMIT_WAIT → RELEASING, then immediately begins
// the unlock handshake.
func (p *Processor) onUpdateEndAck(frame []byte) bool {
	if p.state != CommitWait {
		return false
	}
	remoteCount, err := cacheproto.DecodeCount(frame[1:])
	if err != nil {
		p.log.Warning().Str("dir", p.dir.String()).Err(err).Log("cacheproc: dropped malformed UPDATE_END_ACK")
		return false
	}
	if remoteCount != p.sentConsistent {
		p.reportDivergence(p.sentConsistent, remoteCount)
	}
	p.state = Releasing
	p.channel.TrySend(cacheproto.Unlock(byte(p.dir)))
	return true
}

// onUnlock handles the responder side of RELEASING → IDLE: an inbound
// UNLOCK means the peer has finished committing and is releasing the
// boundary, so the responder acks and returns to IDLE.
func (p *Processor) onUnlock(frame []byte) bool {
	if p.state != Receiving {
		return false
	}
	p.state = Idle
	p.channel.TrySend(cacheproto.UnlockAck(byte(p.dir)))
	return true
}

// onUnlockAck completes the requester side: RELEASING → IDLE. The real
// boundary lock was already released by the event window when the event
// that started this handshake returned.
func (p *Processor) onUnlockAck(frame []byte) bool {
	if p.state != Releasing {
		return false
	}
	p.state = Idle
	return true
}

// DivergenceRateLimit is the default go-catrate budget for cache
// divergence logging (§4.2 supplemental): at most 5 log lines per second
// and 60 per minute, per (tile, direction) category, so a persistently
// misbehaving boundary can't flood the log.
func DivergenceRateLimit() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: 5,
		time.Minute: 60,
	}
}
