package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/richmal13/chatty-pals-roulette/internal/match"
	"github.com/richmal13/chatty-pals-roulette/internal/presence"
	"github.com/richmal13/chatty-pals-roulette/internal/signaling"
)

// Options tunes a Session.
type Options struct {
	// Window is the liveness window for candidates and partner
	// staleness. Default 30s.
	Window time.Duration

	// Transport creates the media transport for each pairing.
	Transport TransportFactory

	// WatchdogInterval is how often the partner's liveness is checked
	// while paired. Default 2s.
	WatchdogInterval time.Duration
}

// Session is the per-participant state machine. All state transitions
// happen on a single event loop goroutine driven by store changes,
// transport callbacks, timer ticks and user commands — there is no
// shared mutable state with other participants beyond the presence
// store itself.
type Session struct {
	store  presence.Store
	selfID string
	mm     *match.Matchmaker
	sig    *signaling.Channel
	opts   Options

	// Loop-owned state. Only the event loop touches these.
	state           State
	roomID          string
	partnerID       string
	initiator       bool
	transport       Transport
	applied         map[presence.SignalKind]time.Time
	lastCandidate   string
	partnerUnpaired int

	// stateMu guards the externally readable copy of state.
	stateMu   sync.RWMutex
	published State

	muteMu  sync.Mutex
	audioOn bool
	videoOn bool

	cbMu        sync.RWMutex
	onConnected []func(Track)
	onSearching []func()
	onError     []func(ErrKind)

	events chan any
	closed chan struct{}
	once   sync.Once
}

// Internal loop events.
type evtLocalCandidate struct{ payload string }
type evtRemoteTrack struct{ track Track }
type evtTransportState struct{ state TransportState }
type cmdNext struct{ done chan error }
type cmdLeave struct{ done chan error }

// New creates a Session for selfID. EnterPool starts it.
func New(store presence.Store, selfID string, opts Options) *Session {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = 2 * time.Second
	}
	return &Session{
		store:   store,
		selfID:  selfID,
		mm:      match.New(store, selfID, opts.Window),
		opts:    opts,
		state:   StateIdle,
		applied: make(map[presence.SignalKind]time.Time),
		events:  make(chan any, 64),
		closed:  make(chan struct{}),
		audioOn: true,
		videoOn: true,
	}
}

// OnConnected registers a callback fired when remote media arrives.
func (s *Session) OnConnected(fn func(Track)) {
	s.cbMu.Lock()
	s.onConnected = append(s.onConnected, fn)
	s.cbMu.Unlock()
}

// OnSearching registers a callback fired whenever the session (re)enters
// the pool.
func (s *Session) OnSearching(fn func()) {
	s.cbMu.Lock()
	s.onSearching = append(s.onSearching, fn)
	s.cbMu.Unlock()
}

// OnError registers a callback for session errors. Transient
// matchmaking trouble degrades to "still searching" and is not
// reported here; transport failures and stale partners are.
func (s *Session) OnError(fn func(ErrKind)) {
	s.cbMu.Lock()
	s.onError = append(s.onError, fn)
	s.cbMu.Unlock()
}

// State returns the current session state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.published
}

// ToggleAudio flips local audio. Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	s.muteMu.Lock()
	s.audioOn = !s.audioOn
	muted := !s.audioOn
	s.muteMu.Unlock()
	log.Printf("SESSION [%s]: audio muted=%v", s.selfID, muted)
	return muted
}

// ToggleVideo flips local video. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	s.muteMu.Lock()
	s.videoOn = !s.videoOn
	disabled := !s.videoOn
	s.muteMu.Unlock()
	log.Printf("SESSION [%s]: video disabled=%v", s.selfID, disabled)
	return disabled
}

// EnterPool joins the matching pool and starts the event loop. Valid
// only from Idle. The session runs until Leave or ctx cancellation.
func (s *Session) EnterPool(ctx context.Context) error {
	if s.State() != StateIdle {
		return fmt.Errorf("session: enter pool from %s", s.State())
	}
	// Subscribe before entering the pool so no pairing write can land
	// between the two; anything earlier is caught by the first
	// matchmaking pass re-reading our own row.
	s.sig = signaling.NewChannel(s.store, s.selfID)
	if err := s.mm.EnterWaiting(ctx); err != nil {
		s.sig.Close()
		return err
	}
	s.setState(StateWaiting)
	go s.run(ctx)
	return nil
}

// Next abandons the current pairing and re-enters the pool. Valid from
// any state except Idle and Closed. Local cleanup is unconditional and
// never negotiates with the partner: the counterpart detects the
// disappearance via staleness or the broken transport on its own.
func (s *Session) Next(ctx context.Context) error {
	return s.command(ctx, cmdNext{done: make(chan error, 1)})
}

// Leave tears the session down for good: transport closed, own row
// deleted, state Closed.
func (s *Session) Leave(ctx context.Context) error {
	return s.command(ctx, cmdLeave{done: make(chan error, 1)})
}

// Done is closed once the session has fully shut down, including the
// best-effort deletion of the own presence row.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) command(ctx context.Context, cmd any) error {
	var done chan error
	switch c := cmd.(type) {
	case cmdNext:
		done = c.done
	case cmdLeave:
		done = c.done
	}
	// Check closed first: the events channel is buffered, so a plain
	// select could park the command in a queue nobody drains anymore.
	select {
	case <-s.closed:
		return errors.New("session: closed")
	default:
	}
	select {
	case s.events <- cmd:
	case <-s.closed:
		return errors.New("session: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-s.closed:
		// A processed command answers before shutdown closes the
		// session, so drain the reply first.
		select {
		case err := <-done:
			return err
		default:
		}
		return errors.New("session: closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) setState(st State) {
	s.state = st
	s.stateMu.Lock()
	s.published = st
	s.stateMu.Unlock()
}

func (s *Session) fireConnected(t Track) {
	s.cbMu.RLock()
	fns := append([]func(Track){}, s.onConnected...)
	s.cbMu.RUnlock()
	for _, fn := range fns {
		fn(t)
	}
}

func (s *Session) fireSearching() {
	s.cbMu.RLock()
	fns := append([]func(){}, s.onSearching...)
	s.cbMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) fireError(k ErrKind) {
	s.cbMu.RLock()
	fns := append([]func(ErrKind){}, s.onError...)
	s.cbMu.RUnlock()
	for _, fn := range fns {
		fn(k)
	}
}

// run is the event loop. Every handler re-derives what to do from the
// latest row snapshot, never from remembered deltas, so at-least-once
// delivery and cross-row reordering cannot confuse it.
func (s *Session) run(ctx context.Context) {
	storeCh, cancelStore := s.store.Subscribe()
	defer cancelStore()
	defer s.sig.Close()

	watchdog := time.NewTicker(s.opts.WatchdogInterval)
	defer watchdog.Stop()

	retry := match.Backoff(ctx)
	var retryAt <-chan time.Time

	s.fireSearching()
	s.tryMatch(ctx, retry, &retryAt)

	for {
		select {
		case <-ctx.Done():
			s.teardownTransport()
			_ = s.store.Delete(context.Background(), s.selfID)
			s.setState(StateClosed)
			s.shutdown()
			return

		case <-s.closed:
			return

		case <-retryAt:
			retryAt = nil
			if s.state == StateWaiting {
				s.tryMatch(ctx, retry, &retryAt)
			}

		case <-watchdog.C:
			s.checkPartner(ctx, retry, &retryAt)

		case change, ok := <-storeCh:
			if !ok {
				s.feedClosed()
				return
			}
			s.handleChange(ctx, change, retry, &retryAt)

		case in, ok := <-s.sig.Inbound():
			if !ok {
				s.feedClosed()
				return
			}
			s.handleInbound(ctx, in, retry, &retryAt)

		case ev := <-s.events:
			switch e := ev.(type) {
			case evtLocalCandidate:
				s.publishSignal(ctx, presence.SignalCandidate, e.payload)
			case evtRemoteTrack:
				if s.state == StateOffering || s.state == StateAnswering {
					log.Printf("SESSION [%s]: remote %s track, connected to %s",
						s.selfID, e.track.Kind, s.partnerID)
					s.setState(StateConnected)
					s.fireConnected(e.track)
				}
			case evtTransportState:
				if e.state == TransportFailed || e.state == TransportDisconnected {
					if s.state == StateOffering || s.state == StateAnswering || s.state == StateConnected {
						log.Printf("SESSION [%s]: transport %s", s.selfID, e.state)
						s.fail(ctx, ErrTransport, retry, &retryAt)
					}
				}
			case cmdNext:
				e.done <- s.next(ctx, retry, &retryAt)
			case cmdLeave:
				s.teardownTransport()
				err := s.store.Delete(ctx, s.selfID)
				s.setState(StateClosed)
				e.done <- err
				s.shutdown()
				return
			}
		}
	}
}

func (s *Session) shutdown() {
	s.once.Do(func() { close(s.closed) })
}

// feedClosed tears the session down when the store's change feed dies
// under it — the store was closed, or the presenced connection dropped.
// Without a feed there is no signaling and no matchmaking wake-up, so
// the session stops; the caller rebuilds the store connection and
// starts a fresh session.
func (s *Session) feedClosed() {
	log.Printf("SESSION [%s]: change feed closed, shutting down", s.selfID)
	s.teardownTransport()
	_ = s.store.Delete(context.Background(), s.selfID)
	s.setState(StateClosed)
	s.fireError(ErrStoreClosed)
	s.shutdown()
}

// tryMatch runs one matchmaking attempt. Store trouble schedules a
// backoff retry and degrades to "still searching" — it never surfaces
// as a hard failure.
func (s *Session) tryMatch(ctx context.Context, retry backoff.BackOff, retryAt *<-chan time.Time) {
	p, err := s.mm.FindPartner(ctx)
	switch {
	case err == nil:
		retry.Reset()
		if p.Initiator {
			s.becomeOfferer(ctx, p, retry, retryAt)
		} else {
			s.becomeAnswerer(ctx, p.PartnerID, p.RoomID, retry, retryAt)
		}
	case errors.Is(err, match.ErrNoPartner), errors.Is(err, match.ErrPairingConflict):
		retry.Reset()
		// Parked in the pool; an external pairing write wakes us up.
	case errors.Is(err, match.ErrUnavailable):
		d := retry.NextBackOff()
		if d == backoff.Stop {
			d = 15 * time.Second
		}
		log.Printf("SESSION [%s]: matchmaking unavailable, retry in %s: %v", s.selfID, d, err)
		s.fireError(ErrMatchmaking)
		*retryAt = time.After(d)
	default:
		log.Printf("SESSION [%s]: matchmaking: %v", s.selfID, err)
		*retryAt = time.After(retry.NextBackOff())
	}
}

func (s *Session) newTransport(ctx context.Context) error {
	t, err := s.opts.Transport()
	if err != nil {
		return fmt.Errorf("session: create transport: %w", err)
	}
	t.OnLocalCandidate(func(c string) { s.post(evtLocalCandidate{payload: c}) })
	t.OnRemoteTrack(func(tr Track) { s.post(evtRemoteTrack{track: tr}) })
	t.OnStateChange(func(st TransportState) { s.post(evtTransportState{state: st}) })
	s.transport = t
	return nil
}

// post delivers a transport callback into the event loop without ever
// blocking a transport goroutine forever.
func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func (s *Session) becomeOfferer(ctx context.Context, p match.Pairing, retry backoff.BackOff, retryAt *<-chan time.Time) {
	s.roomID = p.RoomID
	s.partnerID = p.PartnerID
	s.initiator = true
	s.applied = make(map[presence.SignalKind]time.Time)
	s.lastCandidate = ""
	s.partnerUnpaired = 0

	if err := s.newTransport(ctx); err != nil {
		log.Printf("SESSION [%s]: %v", s.selfID, err)
		s.fail(ctx, ErrTransport, retry, retryAt)
		return
	}
	s.setState(StateOffering)

	offer, err := s.transport.CreateOffer(ctx)
	if err != nil {
		log.Printf("SESSION [%s]: create offer: %v", s.selfID, err)
		s.fail(ctx, ErrTransport, retry, retryAt)
		return
	}
	s.publishSignal(ctx, presence.SignalOffer, offer)
	log.Printf("SESSION [%s]: offering to %s in %s", s.selfID, s.partnerID, s.roomID)
}

// becomeAnswerer adopts a pairing already committed on our own row by
// the partner's conditional claim. The offer itself arrives through the
// signaling channel; here we only stand the transport up. Every caller
// passes pairing data read from our own row, never from another row's
// snapshot, so there is nothing to write back.
func (s *Session) becomeAnswerer(ctx context.Context, partnerID, roomID string, retry backoff.BackOff, retryAt *<-chan time.Time) {
	s.roomID = roomID
	s.partnerID = partnerID
	s.initiator = false
	s.applied = make(map[presence.SignalKind]time.Time)
	s.lastCandidate = ""
	s.partnerUnpaired = 0

	if err := s.newTransport(ctx); err != nil {
		log.Printf("SESSION [%s]: %v", s.selfID, err)
		s.fail(ctx, ErrTransport, retry, retryAt)
		return
	}
	s.setState(StateAnswering)
	log.Printf("SESSION [%s]: answering %s in %s", s.selfID, s.partnerID, s.roomID)
	s.resync(ctx, retry, retryAt)
}

// resync re-reads the partner's row and dispatches any outstanding
// payload addressed to us. This closes the gap where the partner's
// signal was committed before our subscriptions were live: the state
// machine derives its next move from the snapshot, not from having
// observed every event.
func (s *Session) resync(ctx context.Context, retry backoff.BackOff, retryAt *<-chan time.Time) {
	rec, err := s.store.Get(ctx, s.partnerID)
	if err != nil || rec.PartnerID != s.selfID {
		return
	}
	env, ok, err := signaling.Decode(rec)
	if err != nil {
		log.Printf("SESSION [%s]: resync: %v", s.selfID, err)
		return
	}
	if ok {
		s.handleInbound(ctx, signaling.Inbound{From: rec.ID, RoomID: rec.RoomID, Envelope: env}, retry, retryAt)
	}
}

// handleChange reacts to raw store changes: an external pairing write
// on our own row, or the partner's row vanishing.
func (s *Session) handleChange(ctx context.Context, change presence.Change, retry backoff.BackOff, retryAt *<-chan time.Time) {
	rec := change.Record
	switch {
	case change.Kind == presence.ChangeDelete:
		if rec.ID == s.partnerID && s.paired() {
			log.Printf("SESSION [%s]: partner %s gone", s.selfID, s.partnerID)
			s.fail(ctx, ErrPartnerStale, retry, retryAt)
		}
	case rec.ID == s.selfID:
		if s.state == StateWaiting && rec.Paired() {
			s.becomeAnswerer(ctx, rec.PartnerID, rec.RoomID, retry, retryAt)
		}
	}
}

// handleInbound dispatches a partner-authored signaling payload.
func (s *Session) handleInbound(ctx context.Context, in signaling.Inbound, retry backoff.BackOff, retryAt *<-chan time.Time) {
	// A payload addressed to us while still waiting means the pairing
	// write on our own row hasn't been observed yet (cross-row order is
	// not guaranteed). The claim on our row always commits before the
	// partner signals, so our own row is the authority on whether the
	// pairing exists: an ex-partner's row keeps pointing at us after
	// Next, and a re-delivered payload from it must not drag us back.
	if s.state == StateWaiting {
		rec, err := s.store.Get(ctx, s.selfID)
		if err != nil || rec.PartnerID != in.From {
			return
		}
		s.becomeAnswerer(ctx, rec.PartnerID, rec.RoomID, retry, retryAt)
	}
	if in.From != s.partnerID || s.transport == nil {
		return
	}

	env := in.Envelope
	// Re-delivered events are no-ops: only payloads newer than the last
	// applied one of the same kind are acted on. Timestamps travel at
	// millisecond precision, so two candidates can legitimately share
	// one; a different payload at the same timestamp is new, not a
	// re-delivery.
	if last, ok := s.applied[env.Kind]; ok && !env.TS.After(last) {
		if env.Kind != presence.SignalCandidate || env.Payload == s.lastCandidate {
			return
		}
	}

	switch env.Kind {
	case presence.SignalOffer:
		s.handleOffer(ctx, in, retry, retryAt)
	case presence.SignalAnswer:
		if s.state != StateOffering {
			return
		}
		if err := s.transport.SetRemoteDescription(ctx, env.Payload); err != nil {
			log.Printf("SESSION [%s]: apply answer: %v", s.selfID, err)
			s.fail(ctx, ErrTransport, retry, retryAt)
			return
		}
		s.applied[env.Kind] = env.TS
	case presence.SignalCandidate:
		if err := s.transport.AddRemoteCandidate(env.Payload); err != nil {
			log.Printf("SESSION [%s]: apply candidate: %v", s.selfID, err)
			return
		}
		s.applied[env.Kind] = env.TS
		s.lastCandidate = env.Payload
	}
}

func (s *Session) handleOffer(ctx context.Context, in signaling.Inbound, retry backoff.BackOff, retryAt *<-chan time.Time) {
	env := in.Envelope
	if s.state == StateOffering {
		// Both sides produced an offer. Deterministic tie-break: the
		// smaller id keeps its offer, the other side starts over as
		// answerer against the peer's offer.
		if signaling.OfferClashWinner(s.selfID, s.partnerID) == s.selfID {
			return
		}
		log.Printf("SESSION [%s]: offer clash with %s, switching to answerer", s.selfID, s.partnerID)
		s.teardownTransport()
		if err := s.newTransport(ctx); err != nil {
			log.Printf("SESSION [%s]: %v", s.selfID, err)
			s.fail(ctx, ErrTransport, retry, retryAt)
			return
		}
		s.initiator = false
		// A mutual claim left each side with its own room id; the loser
		// converges on the winner's so both rows end up in one room.
		if in.RoomID != "" && in.RoomID != s.roomID {
			s.roomID = in.RoomID
			if err := s.store.UpdateFields(ctx, s.selfID,
				presence.PairingFields(s.roomID, s.partnerID)); err != nil {
				log.Printf("SESSION [%s]: adopt room %s: %v", s.selfID, s.roomID, err)
			}
		}
		s.setState(StateAnswering)
	}
	if s.state != StateAnswering {
		return
	}
	answer, err := s.transport.CreateAnswer(ctx, env.Payload)
	if err != nil {
		log.Printf("SESSION [%s]: create answer: %v", s.selfID, err)
		s.fail(ctx, ErrTransport, retry, retryAt)
		return
	}
	s.applied[env.Kind] = env.TS
	s.publishSignal(ctx, presence.SignalAnswer, answer)
}

func (s *Session) publishSignal(ctx context.Context, kind presence.SignalKind, payload string) {
	if !s.paired() {
		return
	}
	if err := s.sig.Publish(ctx, kind, payload); err != nil {
		log.Printf("SESSION [%s]: publish %s: %v", s.selfID, kind, err)
	}
}

// checkPartner is the staleness watchdog: while paired, the partner's
// row is re-read every tick. A vanished or expired row is treated
// exactly like a transport failure, and so is a partner whose row
// points at a third participant — that happens when a claim race left
// us holding a pairing the other side never committed.
func (s *Session) checkPartner(ctx context.Context, retry backoff.BackOff, retryAt *<-chan time.Time) {
	if !s.paired() {
		return
	}
	rec, err := s.store.Get(ctx, s.partnerID)
	switch {
	case errors.Is(err, presence.ErrNotFound), err == nil && rec.StaleAt(time.Now(), s.opts.Window):
		log.Printf("SESSION [%s]: partner %s stale", s.selfID, s.partnerID)
		s.fail(ctx, ErrPartnerStale, retry, retryAt)
	case err == nil && rec.Paired() && rec.PartnerID != s.selfID:
		log.Printf("SESSION [%s]: partner %s paired with %s instead", s.selfID, s.partnerID, rec.PartnerID)
		s.fail(ctx, ErrPartnerStale, retry, retryAt)
	case err == nil && !rec.Paired():
		// The partner's row lost its pairing — they skipped ahead. One
		// unpaired snapshot is not enough: there is a short window
		// during pairing adoption where the peer's own commit hasn't
		// landed yet, so require two consecutive ticks.
		s.partnerUnpaired++
		if s.partnerUnpaired >= 2 {
			log.Printf("SESSION [%s]: partner %s left the pairing", s.selfID, s.partnerID)
			s.fail(ctx, ErrPartnerStale, retry, retryAt)
		}
	default:
		s.partnerUnpaired = 0
	}
}

func (s *Session) paired() bool {
	switch s.state {
	case StateOffering, StateAnswering, StateConnected:
		return s.partnerID != ""
	}
	return false
}

// fail transitions through Failed back into the pool. The caller is
// told via OnError; cleanup is purely local.
func (s *Session) fail(ctx context.Context, kind ErrKind, retry backoff.BackOff, retryAt *<-chan time.Time) {
	if s.state == StateClosed || s.state == StateIdle {
		return
	}
	s.setState(StateFailed)
	s.fireError(kind)
	s.reenter(ctx, retry, retryAt)
}

// next is the loop-side half of Next().
func (s *Session) next(ctx context.Context, retry backoff.BackOff, retryAt *<-chan time.Time) error {
	if s.state == StateIdle || s.state == StateClosed {
		return fmt.Errorf("session: next from %s", s.state)
	}
	log.Printf("SESSION [%s]: next", s.selfID)
	s.reenter(ctx, retry, retryAt)
	return nil
}

// reenter performs unconditional local cleanup and rejoins the pool.
func (s *Session) reenter(ctx context.Context, retry backoff.BackOff, retryAt *<-chan time.Time) {
	s.teardownTransport()
	s.roomID = ""
	s.partnerID = ""
	s.initiator = false
	s.applied = make(map[presence.SignalKind]time.Time)
	s.lastCandidate = ""
	s.partnerUnpaired = 0

	if err := s.mm.EnterWaiting(ctx); err != nil {
		log.Printf("SESSION [%s]: re-enter pool: %v", s.selfID, err)
	}
	s.setState(StateWaiting)
	s.fireSearching()
	s.tryMatch(ctx, retry, retryAt)
}

func (s *Session) teardownTransport() {
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
}
