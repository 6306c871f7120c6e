// Package engine runs the transfer subsystem: one goroutine owns all ledger,
// router, and inbox mutation, fed by the transport's inbound frames, the
// retry ticker, and application commands over channels. Everything outside
// the loop sees only read-only snapshots.
package engine

import (
	"fmt"
	"time"

	"github.com/user/meshdrop/frame"
	"github.com/user/meshdrop/inbox"
	"github.com/user/meshdrop/ledger"
	"github.com/user/meshdrop/logger"
	"github.com/user/meshdrop/router"
	"github.com/user/meshdrop/transport"
)

const inboundQueueSize = 1024

// Config holds the engine policy knobs. Zero fields fall back to defaults.
type Config struct {
	MTU               int
	TTL               uint8
	RetryTick         time.Duration
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	InboxCapacity     int
	SeenCacheSize     int

	// StateRetention bounds how long delivered/expired transfer state is
	// kept for dedup and idempotent re-acks before the sweep forgets it.
	StateRetention time.Duration
}

// DefaultConfig returns the policy used when the caller has no opinion
func DefaultConfig() Config {
	lc := ledger.DefaultConfig()
	return Config{
		MTU:               500,
		TTL:               3,
		RetryTick:         time.Second,
		MaxAttempts:       lc.MaxAttempts,
		BackoffInitial:    lc.BackoffInitial,
		BackoffMax:        lc.BackoffMax,
		BackoffMultiplier: lc.BackoffMultiplier,
		InboxCapacity:     inbox.DefaultCapacity,
		StateRetention:    5 * time.Minute,
	}
}

type inboundFrame struct {
	data []byte
	from string
}

// Engine wires codec, ledger, router, and inbox behind a single run loop.
// All exported methods are safe to call from any goroutine.
type Engine struct {
	cfg     Config
	localID frame.ID
	prefix  string

	tr   transport.Transport
	ledg *ledger.Ledger
	inbx *inbox.Inbox
	rtr  *router.Router

	inbound  chan inboundFrame
	commands chan func()
	stop     chan struct{}
	stopped  chan struct{}
}

// New builds an engine around a transport and a storage collaborator. The
// engine does not own either: the caller closes them after Stop.
func New(localID frame.ID, cfg Config, tr transport.Transport, store router.Saver) *Engine {
	def := DefaultConfig()
	if cfg.MTU <= 0 {
		cfg.MTU = def.MTU
	}
	if cfg.TTL == 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryTick <= 0 {
		cfg.RetryTick = def.RetryTick
	}
	if cfg.StateRetention <= 0 {
		cfg.StateRetention = def.StateRetention
	}

	ledg := ledger.New(ledger.Config{
		MaxAttempts:       cfg.MaxAttempts,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		BackoffMultiplier: cfg.BackoffMultiplier,
	})
	inbx := inbox.New(cfg.InboxCapacity)

	e := &Engine{
		cfg:      cfg,
		localID:  localID,
		prefix:   localID.Short(),
		tr:       tr,
		ledg:     ledg,
		inbx:     inbx,
		inbound:  make(chan inboundFrame, inboundQueueSize),
		commands: make(chan func()),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	e.rtr = router.New(localID, router.Config{SeenCacheSize: cfg.SeenCacheSize}, ledg, inbx, store, tr)
	return e
}

// Start registers the inbound handler and launches the run loop
func (e *Engine) Start() {
	e.tr.SetHandler(func(frameBytes []byte, fromPeer string) {
		select {
		case e.inbound <- inboundFrame{data: frameBytes, from: fromPeer}:
		default:
			logger.Warn(e.prefix, "inbound queue full, dropping frame from %s", fromPeer)
		}
	})
	go e.run()
	logger.Info(e.prefix, "engine started (mtu=%d, ttl=%d, tick=%s)", e.cfg.MTU, e.cfg.TTL, e.cfg.RetryTick)
}

// Stop shuts the run loop down and waits for it to drain
func (e *Engine) Stop() {
	close(e.stop)
	<-e.stopped
	logger.Info(e.prefix, "engine stopped")
}

func (e *Engine) run() {
	defer close(e.stopped)

	ticker := time.NewTicker(e.cfg.RetryTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case in := <-e.inbound:
			e.rtr.HandleFrame(in.data, in.from)
		case cmd := <-e.commands:
			cmd()
		case now := <-ticker.C:
			e.retryDue(now)
			e.rtr.Sweep(now.Add(-e.cfg.StateRetention))
		}
	}
}

// do runs fn on the loop goroutine and waits for it. Returns false if the
// engine has already stopped.
func (e *Engine) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case e.commands <- func() { fn(); close(done) }:
	case <-e.stop:
		return false
	}
	select {
	case <-done:
		return true
	case <-e.stopped:
		return false
	}
}

// SetNotify registers a callback fired once per fresh inbox delivery
func (e *Engine) SetNotify(fn func(inbox.Event)) {
	e.inbx.SetNotify(fn)
}

// Send fragments a payload and emits it to the mesh. A nil recipient is a
// broadcast. A zero ttl uses the configured default. The returned ID tracks
// the transfer in the pending snapshot until it is acknowledged end-to-end
// or abandoned.
func (e *Engine) Send(payload []byte, originalType string, recipient *frame.ID, ttl uint8) (frame.ID, error) {
	transferID := frame.NewID()
	frames, err := frame.Fragment(payload, transferID, e.cfg.MTU)
	if err != nil {
		return frame.ID{}, err
	}
	if ttl == 0 {
		ttl = e.cfg.TTL
	}
	for _, f := range frames {
		f.TTL = ttl
		f.Origin = e.localID
		f.OriginalType = originalType
		if recipient != nil {
			f.HasRecipient = true
			f.Recipient = *recipient
		}
	}

	var sendErr error
	ok := e.do(func() {
		if _, err := e.ledg.RegisterOutbound(transferID, frames); err != nil {
			sendErr = err
			return
		}
		e.emit(frames)
		logger.Info(e.prefix, "transfer %s: sent %d bytes as %d chunks (ttl=%d)",
			transferID.Short(), len(payload), len(frames), ttl)
	})
	if !ok {
		return frame.ID{}, fmt.Errorf("engine: stopped")
	}
	return transferID, sendErr
}

// emit pushes frames onto the link as a broadcast. Link errors are logged
// and left to the retry rotation; they never fail the send.
func (e *Engine) emit(frames []*frame.Frame) {
	for _, f := range frames {
		data, err := f.Encode()
		if err != nil {
			logger.Error(e.prefix, "transfer %s: encode chunk %d: %v", f.TransferID.Short(), f.SequenceIndex, err)
			continue
		}
		if err := e.tr.Send(transport.Broadcast, data); err != nil {
			logger.Debug(e.prefix, "transfer %s: emit chunk %d: %v", f.TransferID.Short(), f.SequenceIndex, err)
		}
	}
}

// retryDue re-emits the unacknowledged chunks of every past-deadline
// transfer and charges an attempt. Transfers that hit the ceiling move to
// the failed set and leave the rotation.
func (e *Engine) retryDue(now time.Time) {
	for _, p := range e.ledg.Due(now) {
		unacked := p.UnackedFrames()
		logger.Debug(e.prefix, "transfer %s: retrying %d/%d chunks (attempt %d)",
			p.TransferID.Short(), len(unacked), p.TotalChunks(), p.AttemptCount+1)
		e.emit(unacked)
		if err := e.ledg.MarkAttempt(p.TransferID); err != nil {
			logger.Warn(e.prefix, "transfer %s: %v", p.TransferID.Short(), err)
		}
	}
}

// RetryNow re-emits the unacknowledged chunks of every pending transfer
// immediately, without charging an attempt. User-driven.
func (e *Engine) RetryNow() {
	e.do(func() {
		for _, p := range e.ledg.All() {
			e.emit(p.UnackedFrames())
		}
	})
}

// ResetTransfer moves a permanently failed transfer back into the retry
// rotation with a fresh attempt budget.
func (e *Engine) ResetTransfer(transferID frame.ID) bool {
	reset := false
	e.do(func() {
		reset = e.ledg.ResetAttempts(transferID)
		if reset {
			logger.Info(e.prefix, "transfer %s: reset for manual retry", transferID.Short())
		}
	})
	return reset
}

// Dismiss removes a transfer from the presentation surfaces: a received
// entry leaves the inbox, a failed or still-pending send leaves the
// ledger. For an in-flight send this is the cancellation point: retries
// stop, and late acknowledgements for it are no-ops. Frames already on
// the wire are unaffected.
func (e *Engine) Dismiss(transferID frame.ID) {
	e.do(func() {
		e.inbx.Dismiss(transferID)
		e.ledg.Forget(transferID)
	})
}

// InboxSnapshot returns the received binaries, largest first
func (e *Engine) InboxSnapshot() []inbox.Event {
	return e.inbx.List()
}

// PendingSnapshot returns the outbound transfers still awaiting
// acknowledgement and those permanently failed.
func (e *Engine) PendingSnapshot() ledger.Snapshot {
	return e.ledg.SnapshotNow()
}

// Progress reports acknowledged versus total chunks for a pending transfer.
// ok is false once the transfer has completed, failed, or was never known.
func (e *Engine) Progress(transferID frame.ID) (acked, total int, ok bool) {
	for _, st := range e.ledg.SnapshotNow().Pending {
		if st.TransferID == transferID {
			return st.TotalChunks - st.Unacked, st.TotalChunks, true
		}
	}
	return 0, 0, false
}

// TransferState reports the router's view of an inbound transfer
func (e *Engine) TransferState(transferID frame.ID) router.State {
	state := router.StateUnknown
	e.do(func() {
		state = e.rtr.TransferState(transferID)
	})
	return state
}

// LocalID returns the node identity frames are stamped with
func (e *Engine) LocalID() frame.ID {
	return e.localID
}
