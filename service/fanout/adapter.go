package fanout

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"PPresence/logger"
	"PPresence/service/metrics"
	"PPresence/tools/errs"
	"PPresence/tools/safe"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	ProcessID     string
	ChannelPrefix string
	Namespaces    []string
	AckRetention  time.Duration
}

// BroadcastOptions selects recipients. Empty Rooms means every connection of
// the namespace; members of any Except room are skipped.
type BroadcastOptions struct {
	Rooms  []string
	Except []string
}

// Adapter makes the namespaces of every process behave as one. Operations
// are applied to the local shard and relayed to peers over the bus.
type Adapter struct {
	uid       string
	prefix    string
	retention time.Duration
	bus       Bus
	nsps      map[string]*Namespace

	mu      sync.Mutex
	sub     Subscription
	stopped chan struct{}
}

func NewAdapter(bus Bus, opts Options) *Adapter {
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = "presence-adapter"
	}
	if opts.AckRetention <= 0 {
		opts.AckRetention = time.Minute
	}
	if len(opts.Namespaces) == 0 {
		opts.Namespaces = []string{"/"}
	}
	a := &Adapter{
		uid:       opts.ProcessID,
		prefix:    opts.ChannelPrefix,
		retention: opts.AckRetention,
		bus:       bus,
		nsps:      make(map[string]*Namespace, len(opts.Namespaces)),
		stopped:   make(chan struct{}),
	}
	for _, n := range opts.Namespaces {
		a.nsps[n] = newNamespace(n)
	}
	return a
}

func (a *Adapter) ProcessID() string { return a.uid }

// ===== 频道命名 =====

func (a *Adapter) requestChannel(nsp string) string {
	return a.prefix + "#" + nsp + "#"
}

func (a *Adapter) replyChannel(nsp, uid string) string {
	return a.prefix + "-ack#" + nsp + "#" + uid + "#"
}

// Namespace returns the local shard of nsp.
func (a *Adapter) Namespace(nsp string) (*Namespace, bool) {
	ns, ok := a.nsps[nsp]
	return ns, ok
}

func (a *Adapter) Namespaces() []string {
	out := make([]string, 0, len(a.nsps))
	for n := range a.nsps {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) ns(nsp string) (*Namespace, error) {
	ns, ok := a.nsps[nsp]
	if !ok {
		return nil, errs.ErrArgs.WrapMsg("unknown namespace", "nsp", nsp)
	}
	return ns, nil
}

// Start subscribes to every namespace's request and reply channel and begins
// applying packets from peers.
func (a *Adapter) Start(ctx context.Context) error {
	chans := make([]string, 0, 2*len(a.nsps))
	for n := range a.nsps {
		chans = append(chans, a.requestChannel(n), a.replyChannel(n, a.uid))
	}
	sub, err := a.bus.Subscribe(ctx, chans...)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()

	go func() {
		defer close(a.stopped)
		for m := range sub.Messages() {
			a.onMessage(m)
		}
	}()
	logger.Info("[fanout] adapter started", zap.String("uid", a.uid), zap.Strings("channels", chans))
	return nil
}

func (a *Adapter) onMessage(m Message) {
	p, err := decodePacket(m.Data)
	if err != nil {
		logger.Warn("[fanout] drop packet", zap.String("channel", m.Channel), zap.Error(err))
		return
	}
	if p.UID == a.uid {
		return
	}
	ns, ok := a.nsps[p.Nsp]
	if !ok {
		return
	}
	metrics.FanoutReceived.WithLabelValues(string(p.Type)).Inc()
	_ = safe.Run("fanout-apply", func() { a.apply(ns, p) })
}

func (a *Adapter) apply(ns *Namespace, p *Packet) {
	switch p.Type {
	case TypeBroadcast:
		ns.deliver(p.Rooms, p.Except, p.Event, p.Payload)
	case TypeJoin:
		ns.Join(p.ConnID, p.Room)
	case TypeLeave:
		ns.Leave(p.ConnID, p.Room)
	case TypeDisconnect:
		ns.disconnect(p.ConnID, "remote")
	case TypeAckRequest:
		relay := &pendingAck{replyTo: p.ReplyTo, origin: p.UID}
		ns.emitWithAck(p.ConnID, p.Event, p.Payload, p.AckID, relay, a.retention)
	case TypeAckResponse:
		if pa := ns.takeAck(p.AckID, ""); pa != nil && pa.cb != nil {
			cb, data := pa.cb, p.Payload
			safe.Go("ack-callback", func() { cb(data) })
		}
	default:
		logger.Debug("[fanout] unknown packet type", zap.String("type", string(p.Type)))
	}
}

func (a *Adapter) publish(ctx context.Context, channel string, p *Packet) error {
	p.UID = a.uid
	data, err := encodePacket(p)
	if err != nil {
		return err
	}
	if err := a.bus.Publish(ctx, channel, data); err != nil {
		return err
	}
	metrics.FanoutPublished.WithLabelValues(string(p.Type)).Inc()
	return nil
}

// Broadcast delivers to matching local connections, then relays to peers.
// The returned count covers local deliveries only.
func (a *Adapter) Broadcast(ctx context.Context, nsp string, opts BroadcastOptions, event string, payload json.RawMessage) (int, error) {
	ns, err := a.ns(nsp)
	if err != nil {
		return 0, err
	}
	n := ns.deliver(opts.Rooms, opts.Except, event, payload)
	return n, a.publish(ctx, a.requestChannel(nsp), &Packet{
		Type:    TypeBroadcast,
		Nsp:     nsp,
		Rooms:   opts.Rooms,
		Except:  opts.Except,
		Event:   event,
		Payload: payload,
	})
}

// EmitTo sends to one connection. A connection lives on exactly one process,
// so nothing is published when it is held here.
func (a *Adapter) EmitTo(ctx context.Context, nsp, connID, event string, payload json.RawMessage) error {
	ns, err := a.ns(nsp)
	if err != nil {
		return err
	}
	if ns.deliver([]string{connID}, nil, event, payload) > 0 || ns.Has(connID) {
		return nil
	}
	return a.publish(ctx, a.requestChannel(nsp), &Packet{
		Type:    TypeBroadcast,
		Nsp:     nsp,
		Rooms:   []string{connID},
		Event:   event,
		Payload: payload,
	})
}

// AddToRoom joins connID to room on whichever process holds it.
func (a *Adapter) AddToRoom(ctx context.Context, nsp, connID, room string) error {
	return a.roomOp(ctx, nsp, connID, room, TypeJoin)
}

func (a *Adapter) RemoveFromRoom(ctx context.Context, nsp, connID, room string) error {
	return a.roomOp(ctx, nsp, connID, room, TypeLeave)
}

func (a *Adapter) roomOp(ctx context.Context, nsp, connID, room string, t PacketType) error {
	ns, err := a.ns(nsp)
	if err != nil {
		return err
	}
	var local bool
	if t == TypeJoin {
		local = ns.Join(connID, room)
	} else {
		local = ns.Leave(connID, room)
	}
	if local {
		return nil
	}
	return a.publish(ctx, a.requestChannel(nsp), &Packet{Type: t, Nsp: nsp, ConnID: connID, Room: room})
}

// Disconnect force-closes connID. It reports whether the connection was held
// locally; otherwise the request is relayed to peers.
func (a *Adapter) Disconnect(ctx context.Context, nsp, connID string) (bool, error) {
	ns, err := a.ns(nsp)
	if err != nil {
		return false, err
	}
	if ns.disconnect(connID, "server") {
		return true, nil
	}
	return false, a.publish(ctx, a.requestChannel(nsp), &Packet{Type: TypeDisconnect, Nsp: nsp, ConnID: connID})
}

// EmitWithAck sends to connID and calls cb with the client's reply. cb may
// never run: the client can be gone, and unanswered requests are forgotten
// after the retention period.
func (a *Adapter) EmitWithAck(ctx context.Context, nsp, connID, event string, payload json.RawMessage, cb func(json.RawMessage)) error {
	ns, err := a.ns(nsp)
	if err != nil {
		return err
	}
	ackID := uuid.NewString()
	p := &pendingAck{cb: cb}
	if ns.emitWithAck(connID, event, payload, ackID, p, a.retention) || ns.Has(connID) {
		return nil
	}
	ns.awaitAck(ackID, p, a.retention)
	return a.publish(ctx, a.requestChannel(nsp), &Packet{
		Type:    TypeAckRequest,
		Nsp:     nsp,
		ConnID:  connID,
		Event:   event,
		Payload: payload,
		AckID:   ackID,
		ReplyTo: a.replyChannel(nsp, a.uid),
	})
}

// HandleAck is called by the gateway when connID answers ackID.
func (a *Adapter) HandleAck(ctx context.Context, nsp, connID, ackID string, data json.RawMessage) {
	ns, ok := a.nsps[nsp]
	if !ok {
		return
	}
	pa := ns.takeAck(ackID, connID)
	if pa == nil {
		return
	}
	if pa.cb != nil {
		cb := pa.cb
		safe.Go("ack-callback", func() { cb(data) })
		return
	}
	if pa.replyTo != "" {
		err := a.publish(ctx, pa.replyTo, &Packet{Type: TypeAckResponse, Nsp: nsp, AckID: ackID, Payload: data})
		if err != nil {
			logger.Warn("[fanout] ack relay failed", zap.String("ack_id", ackID), zap.String("origin", pa.origin), zap.Error(err))
		}
	}
}

// Shutdown force-closes every connection this process holds, in every
// namespace, and stops accepting new ones. Peers' connections are untouched.
func (a *Adapter) Shutdown() int {
	var total int
	for _, n := range a.Namespaces() {
		c := a.nsps[n].closeAll("shutdown")
		total += c
		logger.Info("[fanout] namespace drained", zap.String("nsp", n), zap.Int("closed", c))
	}
	return total
}

// Close drops the subscription and the bus, then stops the namespaces.
func (a *Adapter) Close() error {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
		<-a.stopped
	}
	if berr := a.bus.Close(); berr != nil && err == nil {
		err = berr
	}
	for _, ns := range a.nsps {
		ns.halt()
	}
	return err
}
