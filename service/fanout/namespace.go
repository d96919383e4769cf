package fanout

import (
	"encoding/json"
	"sort"
	"time"

	"PPresence/service/metrics"
	"PPresence/tools/errs"
)

// Conn is a live connection as the fan-out layer sees it. Emit must not block
// and Close must not call back into the namespace.
type Conn interface {
	ID() string
	Emit(event string, data json.RawMessage, ackID string) bool
	Close(reason string)
}

type pendingAck struct {
	connID  string
	cb      func(json.RawMessage) // local caller
	replyTo string                // remote caller's reply channel
	origin  string
	timer   *time.Timer
}

// Namespace is this process's shard of one logical namespace. All state is
// owned by a single goroutine; methods post closures to it and wait.
type Namespace struct {
	name string
	ops  chan func()
	stop chan struct{}
	done chan struct{}

	closed    bool
	conns     map[string]Conn
	rooms     map[string]map[string]struct{}
	connRooms map[string]map[string]struct{}
	acks      map[string]*pendingAck
}

func newNamespace(name string) *Namespace {
	ns := &Namespace{
		name:      name,
		ops:       make(chan func()),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		conns:     make(map[string]Conn),
		rooms:     make(map[string]map[string]struct{}),
		connRooms: make(map[string]map[string]struct{}),
		acks:      make(map[string]*pendingAck),
	}
	go ns.loop()
	return ns
}

func (ns *Namespace) Name() string { return ns.name }

func (ns *Namespace) loop() {
	defer close(ns.done)
	for {
		select {
		case op := <-ns.ops:
			op()
		case <-ns.stop:
			for _, p := range ns.acks {
				p.timer.Stop()
			}
			return
		}
	}
}

// do runs f on the owner goroutine. It fails once the loop has stopped.
func (ns *Namespace) do(f func()) error {
	fin := make(chan struct{})
	select {
	case ns.ops <- func() { f(); close(fin) }:
		<-fin
		return nil
	case <-ns.done:
		return errs.ErrNamespaceClosed.WrapMsg("", "nsp", ns.name)
	}
}

func (ns *Namespace) halt() {
	select {
	case <-ns.stop:
	default:
		close(ns.stop)
	}
	<-ns.done
}

// Add registers c and joins it to the room named by its own id.
func (ns *Namespace) Add(c Conn) error {
	var rejected bool
	if err := ns.do(func() {
		if ns.closed {
			rejected = true
			return
		}
		ns.conns[c.ID()] = c
		ns.join(c.ID(), c.ID())
		metrics.LocalConnections.WithLabelValues(ns.name).Set(float64(len(ns.conns)))
	}); err != nil {
		return err
	}
	if rejected {
		return errs.ErrNamespaceClosed.WrapMsg("namespace draining", "nsp", ns.name)
	}
	return nil
}

// Remove drops connID and all of its room memberships.
func (ns *Namespace) Remove(connID string) bool {
	var found bool
	_ = ns.do(func() { found = ns.remove(connID) })
	return found
}

func (ns *Namespace) remove(connID string) bool {
	if _, ok := ns.conns[connID]; !ok {
		return false
	}
	delete(ns.conns, connID)
	for room := range ns.connRooms[connID] {
		ns.leave(connID, room)
	}
	delete(ns.connRooms, connID)
	metrics.LocalConnections.WithLabelValues(ns.name).Set(float64(len(ns.conns)))
	return true
}

// Join reports false when connID is not held here.
func (ns *Namespace) Join(connID, room string) bool {
	var ok bool
	_ = ns.do(func() {
		if _, ok = ns.conns[connID]; ok {
			ns.join(connID, room)
		}
	})
	return ok
}

func (ns *Namespace) Leave(connID, room string) bool {
	var ok bool
	_ = ns.do(func() {
		if _, ok = ns.conns[connID]; ok {
			ns.leave(connID, room)
		}
	})
	return ok
}

func (ns *Namespace) join(connID, room string) {
	m := ns.rooms[room]
	if m == nil {
		m = make(map[string]struct{})
		ns.rooms[room] = m
	}
	m[connID] = struct{}{}
	r := ns.connRooms[connID]
	if r == nil {
		r = make(map[string]struct{})
		ns.connRooms[connID] = r
	}
	r[room] = struct{}{}
}

func (ns *Namespace) leave(connID, room string) {
	if m := ns.rooms[room]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(ns.rooms, room)
		}
	}
	if r := ns.connRooms[connID]; r != nil {
		delete(r, room)
	}
}

func (ns *Namespace) Has(connID string) bool {
	var ok bool
	_ = ns.do(func() { _, ok = ns.conns[connID] })
	return ok
}

// Rooms lists the rooms connID is in, sorted.
func (ns *Namespace) Rooms(connID string) []string {
	var out []string
	_ = ns.do(func() {
		for r := range ns.connRooms[connID] {
			out = append(out, r)
		}
	})
	sort.Strings(out)
	return out
}

func (ns *Namespace) Size() int {
	var n int
	_ = ns.do(func() { n = len(ns.conns) })
	return n
}

// ConnIDs returns the ids of every connection held here.
func (ns *Namespace) ConnIDs() []string {
	var out []string
	_ = ns.do(func() {
		for id := range ns.conns {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out
}

// deliver emits to local members of rooms (all conns when rooms is empty)
// that are in none of the except rooms. Returns the number reached.
func (ns *Namespace) deliver(rooms, except []string, event string, payload json.RawMessage) int {
	var n int
	_ = ns.do(func() {
		skip := make(map[string]struct{})
		for _, r := range except {
			for id := range ns.rooms[r] {
				skip[id] = struct{}{}
			}
		}
		targets := make(map[string]struct{})
		if len(rooms) == 0 {
			for id := range ns.conns {
				targets[id] = struct{}{}
			}
		} else {
			for _, r := range rooms {
				for id := range ns.rooms[r] {
					targets[id] = struct{}{}
				}
			}
		}
		for id := range targets {
			if _, s := skip[id]; s {
				continue
			}
			if c, ok := ns.conns[id]; ok {
				if c.Emit(event, payload, "") {
					n++
				} else {
					metrics.DroppedFrames.Inc()
				}
			}
		}
	})
	return n
}

// disconnect closes connID if held here.
func (ns *Namespace) disconnect(connID, reason string) bool {
	var ok bool
	_ = ns.do(func() {
		var c Conn
		if c, ok = ns.conns[connID]; ok {
			ns.remove(connID)
			c.Close(reason)
		}
	})
	return ok
}

// closeAll stops accepting connections and force-closes every local one.
func (ns *Namespace) closeAll(reason string) int {
	var n int
	_ = ns.do(func() {
		ns.closed = true
		for id, c := range ns.conns {
			ns.remove(id)
			c.Close(reason)
			n++
		}
	})
	return n
}

// emitWithAck registers p under ackID and emits to the local conn. It returns
// false, registering nothing, when the connection is not held here.
func (ns *Namespace) emitWithAck(connID, event string, payload json.RawMessage, ackID string, p *pendingAck, ttl time.Duration) bool {
	var ok bool
	_ = ns.do(func() {
		c, found := ns.conns[connID]
		if !found {
			return
		}
		p.connID = connID
		p.timer = time.AfterFunc(ttl, func() { ns.expireAck(ackID) })
		ns.acks[ackID] = p
		if ok = c.Emit(event, payload, ackID); !ok {
			p.timer.Stop()
			delete(ns.acks, ackID)
			metrics.DroppedFrames.Inc()
		}
	})
	return ok
}

// awaitAck registers a callback for an ack answered on another process.
func (ns *Namespace) awaitAck(ackID string, p *pendingAck, ttl time.Duration) {
	_ = ns.do(func() {
		p.timer = time.AfterFunc(ttl, func() { ns.expireAck(ackID) })
		ns.acks[ackID] = p
	})
}

func (ns *Namespace) expireAck(ackID string) {
	_ = ns.do(func() { delete(ns.acks, ackID) })
}

// takeAck removes and returns the pending entry. connID, when not empty, must
// match the connection the request was sent to.
func (ns *Namespace) takeAck(ackID, connID string) *pendingAck {
	var p *pendingAck
	_ = ns.do(func() {
		pa, ok := ns.acks[ackID]
		if !ok || (connID != "" && pa.connID != connID) {
			return
		}
		delete(ns.acks, ackID)
		pa.timer.Stop()
		p = pa
	})
	return p
}

func (ns *Namespace) pendingAcks() int {
	var n int
	_ = ns.do(func() { n = len(ns.acks) })
	return n
}
