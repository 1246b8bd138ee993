package pairing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/kidfromjupiter/nearby/internal/ble/protocol"
	"github.com/kidfromjupiter/nearby/internal/device"
	"github.com/kidfromjupiter/nearby/internal/keystore"
)

// Transport sends handshake bytes to a device. Inbound bytes and
// disconnects are reported back through Driver.OnBytes and
// Driver.OnDisconnected.
type Transport interface {
	// Send writes data to char on the device at addr, connecting first if
	// needed.
	Send(ctx context.Context, addr string, char protocol.Characteristic, data []byte) error
	// Release drops any connection to addr without reporting a disconnect.
	Release(addr string)
}

// Scanner delivers advertisements until ctx is done.
type Scanner interface {
	Scan(ctx context.Context, fn func(device.Sighting)) error
}

// ErrDriverClosed is wrapped by the Failed outcome of every session still
// running at Close.
var ErrDriverClosed = errors.New("pairing: driver closed")

// DriverConfig holds the timeout, retry and admission policy.
type DriverConfig struct {
	ResponseTimeout time.Duration
	AckTimeout      time.Duration
	// MaxAttempts bounds the attempts per device, including the first.
	MaxAttempts int
	Backoff     Backoff
	// MaxConcurrent caps handshakes in flight; 0 means unlimited.
	MaxConcurrent int
	// MinRSSI ignores weaker advertisements; 0 disables the check.
	MinRSSI int
	// Cooldown suppresses new sessions for a device that just finished.
	Cooldown time.Duration
	// EventBuffer sizes the Events channel.
	EventBuffer int
}

// DefaultDriverConfig returns the policy used when nothing is configured.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		ResponseTimeout: DefaultResponseTimeout,
		AckTimeout:      DefaultAckTimeout,
		MaxAttempts:     3,
		Backoff:         Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.25},
		MaxConcurrent:   2,
		MinRSSI:         -90,
		Cooldown:        time.Minute,
		EventBuffer:     64,
	}
}

// EventKind is the outcome reported for a device.
type EventKind int

const (
	EventPaired EventKind = iota + 1
	EventFailed
	EventRetrying
	// EventStoreFailed means the handshake succeeded but the account key
	// could not be stored. Outcome.AccountKey holds the key so the caller can
	// retry the write without repeating the handshake.
	EventStoreFailed
)

func (k EventKind) String() string {
	switch k {
	case EventPaired:
		return "Paired"
	case EventFailed:
		return "Failed"
	case EventRetrying:
		return "Retrying"
	case EventStoreFailed:
		return "StoreFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Outcome is a per-device result reported on the Events channel.
type Outcome struct {
	SessionID  uuid.UUID
	Identity   device.Identity
	Kind       EventKind
	State      State
	Attempt    int
	Reason     Reason
	Err        error
	AccountKey device.AccountKey // set for EventPaired and EventStoreFailed
	RetryIn    time.Duration     // set for EventRetrying
	Repaired   bool              // the session wrote an existing key
}

// SessionInfo is a snapshot of one tracked session.
type SessionInfo struct {
	ID       uuid.UUID
	Identity device.Identity
	State    State
	Attempt  int
	RSSI     int
	LastSeen time.Time
	Admitted bool
}

// Stats counts advertisement handling outcomes.
type Stats struct {
	Sightings    int64
	DecodeErrors int64
	Ignored      int64
	Coalesced    int64
	Started      int64
}

// DriverOption customises a Driver.
type DriverOption func(*Driver)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) DriverOption {
	return func(d *Driver) { d.log = l }
}

// WithRandom sets the source of nonces, ephemeral keys and account keys.
func WithRandom(r io.Reader) DriverOption {
	return func(d *Driver) { d.random = r }
}

// WithClock sets the monotonic clock used for session deadlines.
func WithClock(now func() time.Time) DriverOption {
	return func(d *Driver) { d.now = now }
}

// WithFilter restricts pairing to sightings accepted by fn.
func WithFilter(fn func(device.Sighting, protocol.Advertisement) bool) DriverOption {
	return func(d *Driver) { d.filter = fn }
}

type entry struct {
	id      uuid.UUID
	addr    string
	session *Session
	mb      *mailbox

	// Guarded by Driver.mu.
	rssi     int
	lastSeen time.Time
	admitted bool
	state    State
	attempt  int
	identity device.Identity

	// Owned by the mailbox goroutine.
	timer    *time.Timer
	timerSeq uint64
	retry    *time.Timer
}

// retryBegin restarts a session after its backoff elapsed.
type retryBegin struct{ attempt int }

func (retryBegin) isEvent() {}

// Driver owns the active pairing sessions, one per device address.
type Driver struct {
	cfg       DriverConfig
	transport Transport
	store     keystore.Store
	models    ModelRegistry
	log       *slog.Logger
	random    io.Reader
	now       func() time.Time
	filter    func(device.Sighting, protocol.Advertisement) bool

	ctx    context.Context
	cancel context.CancelFunc
	events chan Outcome
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*entry
	pending  []*entry
	active   int
	closed   bool
	cooldown *expirable.LRU[string, struct{}]

	sightings    atomic.Int64
	decodeErrors atomic.Int64
	ignored      atomic.Int64
	coalesced    atomic.Int64
	started      atomic.Int64
}

// NewDriver returns a driver. The store stays owned by the caller, who
// closes it after closing the driver.
func NewDriver(cfg DriverConfig, transport Transport, store keystore.Store, models ModelRegistry, opts ...DriverOption) *Driver {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		cfg:       cfg,
		transport: transport,
		store:     store,
		models:    models,
		log:       slog.Default(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan Outcome, cfg.EventBuffer),
		sessions:  make(map[string]*entry),
	}
	if cfg.Cooldown > 0 {
		d.cooldown = expirable.NewLRU[string, struct{}](256, nil, cfg.Cooldown)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Events returns the outcome stream. It is closed by Close.
func (d *Driver) Events() <-chan Outcome {
	return d.events
}

// Stats returns advertisement counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Sightings:    d.sightings.Load(),
		DecodeErrors: d.decodeErrors.Load(),
		Ignored:      d.ignored.Load(),
		Coalesced:    d.coalesced.Load(),
		Started:      d.started.Load(),
	}
}

// Sessions returns a snapshot of tracked sessions ordered by address.
func (d *Driver) Sessions() []SessionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SessionInfo, 0, len(d.sessions))
	for _, e := range d.sessions {
		out = append(out, SessionInfo{
			ID:       e.id,
			Identity: e.identity,
			State:    e.state,
			Attempt:  e.attempt,
			RSSI:     e.rssi,
			LastSeen: e.lastSeen,
			Admitted: e.admitted,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Address < out[j].Identity.Address })
	return out
}

// Run feeds advertisements from scanner into the driver until ctx is done
// or the scanner fails, then closes the driver.
func (d *Driver) Run(ctx context.Context, scanner Scanner) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := scanner.Scan(gctx, d.HandleAdvertisement)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("pairing: scan: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.Close()
	})
	return g.Wait()
}

// HandleAdvertisement starts or refreshes the session for a sighting.
// Malformed or irrelevant advertisements are counted and dropped.
func (d *Driver) HandleAdvertisement(s device.Sighting) {
	d.sightings.Add(1)
	adv, err := protocol.DecodeAdvertisement(s.ServiceData)
	if err != nil {
		d.decodeErrors.Add(1)
		d.log.Debug("[PAIR] dropping advertisement", "address", s.Address, "error", err)
		return
	}
	addr := device.NormalizeAddress(s.Address)

	// Tracked sessions see every sighting; MinRSSI only gates new ones.
	if d.refresh(addr, s.RSSI) {
		return
	}
	if d.cfg.MinRSSI != 0 && s.RSSI < d.cfg.MinRSSI {
		d.ignored.Add(1)
		return
	}
	secret, ok := d.models.ModelSecret(adv.ModelID)
	if !ok {
		d.ignored.Add(1)
		d.log.Debug("[PAIR] unknown model", "address", s.Address, "model", adv.ModelID)
		return
	}
	if d.filter != nil && !d.filter(s, adv) {
		d.ignored.Add(1)
		return
	}
	id := device.FromAddress(addr)
	var designated *device.AccountKey
	if !adv.PairingMode() {
		rec, ok := d.matchFilter(adv)
		if !ok {
			d.ignored.Add(1)
			return
		}
		id.PersistentID = rec.Identity.PersistentID
		designated = &rec.Key
	}

	e := &entry{
		id:       uuid.New(),
		addr:     addr,
		mb:       newMailbox(),
		rssi:     s.RSSI,
		lastSeen: d.now(),
		identity: id,
		state:    StateDiscovered,
		attempt:  1,
	}
	e.session = NewSession(id, SessionConfig{
		ModelSecret:     secret,
		ResponseTimeout: d.cfg.ResponseTimeout,
		AckTimeout:      d.cfg.AckTimeout,
		DesignatedKey:   designated,
		Random:          d.random,
		Now:             d.now,
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	// Another sighting may have won the race while the store was read.
	if cur, ok := d.sessions[addr]; ok {
		d.touchLocked(cur, s.RSSI)
		return
	}
	d.sessions[addr] = e
	d.pending = append(d.pending, e)
	d.started.Add(1)
	d.log.Info("[PAIR] discovered", "address", addr, "model", adv.ModelID, "rssi", s.RSSI, "repair", designated != nil)
	d.admitLocked()
}

// refresh coalesces a sighting into an existing session, or reports a
// device in cooldown. It returns true when no new session is wanted.
func (d *Driver) refresh(addr string, rssi int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return true
	}
	if e, ok := d.sessions[addr]; ok {
		d.touchLocked(e, rssi)
		return true
	}
	if d.cooldown != nil && d.cooldown.Contains(addr) {
		d.ignored.Add(1)
		return true
	}
	return false
}

func (d *Driver) touchLocked(e *entry, rssi int) {
	e.rssi = rssi
	e.lastSeen = d.now()
	d.coalesced.Add(1)
}

// matchFilter finds the stored account key the advertisement's filter
// was built from.
func (d *Driver) matchFilter(adv protocol.Advertisement) (keystore.Record, bool) {
	if !adv.HasAccountKeyFilter() {
		return keystore.Record{}, false
	}
	recs, err := d.store.List(d.ctx)
	if err != nil {
		d.log.Warn("[PAIR] list account keys", "error", err)
		return keystore.Record{}, false
	}
	for _, rec := range recs {
		if protocol.MatchAccountKeyFilter(adv.AccountKeyFilter, adv.Salt, rec.Key) {
			return rec, true
		}
	}
	return keystore.Record{}, false
}

// admitLocked starts queued sessions, strongest signal first, while
// capacity remains.
func (d *Driver) admitLocked() {
	for len(d.pending) > 0 && (d.cfg.MaxConcurrent <= 0 || d.active < d.cfg.MaxConcurrent) {
		sort.SliceStable(d.pending, func(i, j int) bool { return d.pending[i].rssi > d.pending[j].rssi })
		e := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		e.admitted = true
		d.active++

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			e.mb.run(func(ev Event) { d.step(e, ev) })
		}()
		e.mb.post(Begin{})
	}
}

// OnBytes delivers a notification from addr to its session.
func (d *Driver) OnBytes(addr string, char protocol.Characteristic, data []byte) {
	e := d.lookup(addr)
	if e == nil {
		d.log.Debug("[PAIR] bytes for unknown session", "address", addr, "characteristic", char)
		return
	}
	e.mb.post(BytesReceived{Characteristic: char, Data: append([]byte(nil), data...)})
}

// OnDisconnected aborts the session for addr.
func (d *Driver) OnDisconnected(addr string) {
	if e := d.lookup(addr); e != nil {
		e.mb.post(Abort{Err: fmt.Errorf("device %s disconnected", addr)})
	}
}

func (d *Driver) lookup(addr string) *entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.sessions[device.NormalizeAddress(addr)]
	if !ok || !e.admitted {
		return nil
	}
	return e
}

// step applies ev to the session and executes the resulting commands. It
// runs on the session's mailbox goroutine only.
func (d *Driver) step(e *entry, ev Event) {
	switch v := ev.(type) {
	case retryBegin:
		if v.attempt != e.session.Attempt() || e.session.State() != StateDiscovered {
			return
		}
		ev = Begin{}
	case Abort:
		// Nothing is in flight while waiting to retry.
		if e.session.State() == StateDiscovered && e.session.Attempt() > 1 {
			return
		}
	}

	for ev != nil {
		cmds := e.session.Handle(ev)
		ev = d.execute(e, cmds)
		if ev == nil && e.session.State() == StateKeyExchangeConfirmed {
			d.log.Info("[PAIR] key exchange confirmed", "address", e.addr, "identity", e.session.Identity())
			ev = ProvisionAccountKey{}
		}
	}
	d.settle(e)
}

// execute runs cmds in order. A failed send stops execution and returns
// the Abort to apply next.
func (d *Driver) execute(e *entry, cmds []Command) Event {
	for _, c := range cmds {
		switch c := c.(type) {
		case SendBytes:
			if err := d.transport.Send(d.ctx, e.addr, c.Characteristic, c.Data); err != nil {
				d.log.Warn("[PAIR] send failed", "address", e.addr, "characteristic", c.Characteristic, "error", err)
				return Abort{Err: err}
			}
		case ArmTimer:
			if e.timer != nil {
				e.timer.Stop()
			}
			fired := TimerFired{Attempt: c.Attempt, Seq: c.Seq}
			e.timerSeq = c.Seq
			e.timer = time.AfterFunc(c.After, func() { e.mb.post(fired) })
		case CancelTimer:
			if e.timer != nil && e.timerSeq == c.Seq {
				e.timer.Stop()
				e.timer = nil
			}
		}
	}
	return nil
}

func (d *Driver) settle(e *entry) {
	s := e.session
	d.mu.Lock()
	e.state = s.State()
	e.attempt = s.Attempt()
	e.identity = s.Identity()
	d.mu.Unlock()

	switch s.State() {
	case StatePaired:
		d.complete(e)
	case StateFailed:
		d.failed(e)
	}
}

func (d *Driver) complete(e *entry) {
	s := e.session
	ev := Outcome{
		SessionID:  e.id,
		Identity:   s.Identity(),
		State:      StatePaired,
		Attempt:    s.Attempt(),
		AccountKey: s.AccountKey(),
		Repaired:   s.Repairing(),
	}
	// The key is already on the peer, so the write outlives Close.
	if err := d.store.Put(context.WithoutCancel(d.ctx), ev.Identity, ev.AccountKey); err != nil {
		d.log.Error("[PAIR] store account key", "identity", ev.Identity, "error", err)
		ev.Kind = EventStoreFailed
		ev.Err = fmt.Errorf("pairing: store account key: %w", err)
	} else {
		d.log.Info("[PAIR] paired", "identity", ev.Identity, "attempt", ev.Attempt, "repair", ev.Repaired)
		ev.Kind = EventPaired
	}
	d.finish(e)
	d.emit(ev)
}

func (d *Driver) failed(e *entry) {
	s := e.session
	f := s.Failure()
	if f.Reason.Retryable() && s.Attempt() < d.cfg.MaxAttempts && d.ctx.Err() == nil {
		next := s.Attempt() + 1
		delay := d.cfg.Backoff.Delay(next)
		d.transport.Release(e.addr)
		if err := s.Restart(); err != nil {
			d.log.Error("[PAIR] restart session", "address", e.addr, "error", err)
		} else {
			d.mu.Lock()
			e.state, e.attempt = s.State(), s.Attempt()
			d.mu.Unlock()
			d.log.Warn("[PAIR] retrying", "address", e.addr, "attempt", next, "reason", f.Reason, "delay", delay)
			e.retry = time.AfterFunc(delay, func() { e.mb.post(retryBegin{attempt: next}) })
			d.emit(Outcome{
				SessionID: e.id,
				Identity:  s.Identity(),
				Kind:      EventRetrying,
				State:     StateDiscovered,
				Attempt:   next,
				Reason:    f.Reason,
				Err:       f,
				RetryIn:   delay,
			})
			return
		}
	}

	d.log.Warn("[PAIR] failed", "identity", s.Identity(), "attempt", s.Attempt(), "reason", f.Reason, "error", f.Err)
	d.finish(e)
	d.emit(Outcome{
		SessionID: e.id,
		Identity:  s.Identity(),
		Kind:      EventFailed,
		State:     StateFailed,
		Attempt:   s.Attempt(),
		Reason:    f.Reason,
		Err:       f,
	})
}

// finish evicts a terminal session and frees its admission slot.
func (d *Driver) finish(e *entry) {
	e.stopTimers()
	d.transport.Release(e.addr)

	d.mu.Lock()
	if d.sessions[e.addr] == e {
		delete(d.sessions, e.addr)
	}
	if e.admitted {
		e.admitted = false
		d.active--
	}
	if d.cooldown != nil {
		d.cooldown.Add(e.addr, struct{}{})
	}
	if !d.closed {
		d.admitLocked()
	}
	d.mu.Unlock()

	e.mb.close()
}

// emit blocks for buffer space until Close. Buffered space is always
// used, even after Close starts.
func (d *Driver) emit(ev Outcome) {
	select {
	case d.events <- ev:
		return
	default:
	}
	select {
	case d.events <- ev:
	case <-d.ctx.Done():
		d.log.Warn("[PAIR] outcome dropped at close", "identity", ev.Identity, "kind", ev.Kind)
	}
}

// emitClosing reports a session aborted by Close without waiting for a
// reader.
func (d *Driver) emitClosing(ev Outcome) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn("[PAIR] outcome dropped at close", "identity", ev.Identity, "kind", ev.Kind)
	}
}

func (e *entry) stopTimers() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
}

// Close aborts every session, waits for their goroutines, reports each
// aborted session as Failed with ErrDriverClosed, and closes the Events
// channel. It is safe to call more than once.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	entries := make([]*entry, 0, len(d.sessions))
	for _, e := range d.sessions {
		entries = append(entries, e)
	}
	d.sessions = make(map[string]*entry)
	d.pending = nil
	d.mu.Unlock()

	d.cancel()
	for _, e := range entries {
		e.mb.close()
	}
	d.wg.Wait()

	sort.Slice(entries, func(i, j int) bool { return entries[i].addr < entries[j].addr })
	for _, e := range entries {
		e.stopTimers()
		d.transport.Release(e.addr)
		s := e.session
		if s.State().Terminal() {
			continue
		}
		prev := s.State()
		s.Handle(Abort{Err: ErrDriverClosed})
		f := s.Failure()
		d.log.Info("[PAIR] aborted at close", "identity", s.Identity(), "attempt", s.Attempt(), "state", prev)
		d.emitClosing(Outcome{
			SessionID: e.id,
			Identity:  s.Identity(),
			Kind:      EventFailed,
			State:     StateFailed,
			Attempt:   s.Attempt(),
			Reason:    f.Reason,
			Err:       f,
		})
	}
	close(d.events)
	return nil
}
