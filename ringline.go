// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ringline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy     = errors.New("another call session is active")
	ErrBadPhase = errors.New("call session is not in expected phase")
	ErrClosed   = errors.New("ringline is closed")
)

// DefaultRingTimeout is how long either side rings before the session times
// out unilaterally.
const DefaultRingTimeout = 25 * time.Second

// CallSession is a snapshot of the local participant's call state. Exactly
// one session exists per Ringline instance.
type CallSession struct {
	Side               Side
	Phase              string
	InCallOrConnecting bool
}

// Ringline drives call establishment for one local participant: invitation,
// ringing with timeout on both sides, accept/decline/cancel, meeting
// provisioning and the handoff to the media engine.
//
// All state lives on a single run loop. Public methods, bus callbacks, timer
// firings and provisioning completions are serialized onto it, so every
// transition runs to completion before the next event is looked at.
type Ringline struct {
	user  Profile
	bus   Bus
	prov  Provisioner
	media MediaEngine

	notifier    Notifier
	ringTimeout time.Duration
	manualJoin  bool
	log         zerolog.Logger

	actions   chan func()
	closed    chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the run loop.
	fsm         *phaseFSM
	timers      *ringTimers
	invite      *CallInvite
	side        Side
	busy        bool
	pendingJoin *JoinInfo
	meetingID   string
	provGen     uint64
}

type RinglineOption func(r *Ringline)

func WithProvisioner(p Provisioner) RinglineOption {
	return func(r *Ringline) { r.prov = p }
}

func WithMediaEngine(m MediaEngine) RinglineOption {
	return func(r *Ringline) { r.media = m }
}

func WithNotifier(n Notifier) RinglineOption {
	return func(r *Ringline) { r.notifier = n }
}

func WithRingTimeout(d time.Duration) RinglineOption {
	return func(r *Ringline) { r.ringTimeout = d }
}

// WithManualJoin defers the callee's media join until an explicit
// ConfirmJoin call. The caller side is unaffected.
func WithManualJoin(enabled bool) RinglineOption {
	return func(r *Ringline) { r.manualJoin = enabled }
}

func WithLogger(l zerolog.Logger) RinglineOption {
	return func(r *Ringline) { r.log = l }
}

func NewRingline(user Profile, bus Bus, opts ...RinglineOption) *Ringline {
	r := &Ringline{
		user:        user,
		bus:         bus,
		ringTimeout: DefaultRingTimeout,
		log:         log.With().Str("user", user.ID).Logger(),
		actions:     make(chan func(), 64),
		closed:      make(chan struct{}),
		side:        SideNone,
	}
	for _, o := range opts {
		o(r)
	}
	r.fsm = newPhaseFSM()
	r.timers = newRingTimers(r.ringTimeout, r.onTimerFired)

	for _, kind := range []Kind{
		KindInitiate, KindAccepted, KindDeclined, KindCancelled, KindTimeout,
		KindSelfStopRing, KindMeetingReady, KindMeetingProblem, KindMeetingStatus,
	} {
		kind := kind
		bus.Handle(kind, func(msg Message) { r.receive(kind, msg) })
	}

	go r.run()
	return r
}

func (r *Ringline) run() {
	for {
		select {
		case fn := <-r.actions:
			fn()
		case <-r.closed:
			return
		}
	}
}

func (r *Ringline) post(fn func()) {
	select {
	case r.actions <- fn:
	case <-r.closed:
	}
}

func (r *Ringline) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case r.actions <- func() { errc <- fn() }:
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-r.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the run loop. A connected media session is left first.
func (r *Ringline) Close() {
	r.closeOnce.Do(func() {
		done := make(chan struct{})
		select {
		case r.actions <- func() {
			r.timers.ClearAll()
			if r.fsm.Current() == PhaseConnected && r.media != nil {
				go r.media.Leave(context.Background(), "shutdown")
			}
			close(done)
		}:
			<-done
		case <-time.After(time.Second):
		}
		close(r.closed)
	})
}

// Session returns a snapshot of the current call session.
func (r *Ringline) Session() CallSession {
	ch := make(chan CallSession, 1)
	r.post(func() {
		ch <- CallSession{Side: r.side, Phase: r.fsm.Current(), InCallOrConnecting: r.busy}
	})
	select {
	case s := <-ch:
		return s
	case <-r.closed:
		return CallSession{Side: SideNone, Phase: PhaseIdle}
	}
}

// StartOptions configures an outgoing call.
type StartOptions struct {
	// Role the caller plays in the call. Required.
	Role Role
	// CallType selects audio or video. Required.
	CallType CallType
	// CalleeProfile is optional display data forwarded in the invitation.
	CalleeProfile *Profile
}

// StartCall invites calleeID to an instant call. The caller transitions to
// Ringing and its ring timer starts counting.
func (r *Ringline) StartCall(ctx context.Context, calleeID string, opts StartOptions) error {
	return r.do(ctx, func() error {
		if r.fsm.Current() != PhaseIdle {
			return ErrBusy
		}
		if opts.Role == "" {
			return fmt.Errorf("%w: missing caller role", ErrInviteInvalid)
		}
		caller := r.user
		inv := &CallInvite{
			CallerID:      r.user.ID,
			CalleeID:      calleeID,
			CallerRole:    opts.Role,
			CallType:      opts.CallType,
			CallerProfile: &caller,
			CalleeProfile: opts.CalleeProfile,
		}
		if err := inv.validate(); err != nil {
			return err
		}

		r.transition(evRing)
		r.invite = inv
		r.side = SideCaller
		r.send(KindInitiate, calleeID, InitiatePayload{
			CallType:   inv.CallType,
			CallerID:   inv.CallerID,
			CalleeID:   inv.CalleeID,
			Role:       inv.CallerRole,
			CallerData: inv.CallerProfile,
			CalleeData: inv.CalleeProfile,
		})
		r.timers.Arm(SideCaller)
		r.notify(PhaseRinging, NoteOutgoing, *inv)
		return nil
	})
}

// Accept answers the ringing invitation, taking role as the local
// participant's role. Provisioning of the meeting resource starts
// immediately.
func (r *Ringline) Accept(ctx context.Context, role Role) error {
	return r.do(ctx, func() error {
		if r.fsm.Current() != PhaseRinging || r.side != SideCallee {
			return ErrBadPhase
		}
		if r.invite.CallerRole == "" {
			return fmt.Errorf("%w: invitation carries no caller role", ErrInviteInvalid)
		}
		if role == "" {
			return fmt.Errorf("%w: missing callee role", ErrInviteInvalid)
		}

		r.timers.Clear(SideCallee)
		r.invite.CalleeRole = role
		r.send(KindSelfStopRing, r.user.ID, SelfStopRingPayload{CalleeID: r.user.ID})
		r.send(KindAccepted, r.invite.CallerID, AcceptedPayload{
			CallerID: r.invite.CallerID,
			CalleeID: r.invite.CalleeID,
		})
		r.busy = true
		r.transition(evAccept)
		r.notify(PhaseAccepted, NoteAcceptedLocal, *r.invite)

		r.beginProvision(r.provisionCallee)
		return nil
	})
}

// Decline refuses the ringing invitation. An empty reason is reported as
// "declined".
func (r *Ringline) Decline(ctx context.Context, reason string) error {
	return r.do(ctx, func() error {
		if r.fsm.Current() != PhaseRinging || r.side != SideCallee {
			return ErrBadPhase
		}
		if reason == "" {
			reason = "declined"
		}
		r.timers.Clear(SideCallee)
		r.send(KindSelfStopRing, r.user.ID, SelfStopRingPayload{CalleeID: r.user.ID})
		r.send(KindDeclined, r.invite.CallerID, DeclinedPayload{
			CallerID: r.invite.CallerID,
			CalleeID: r.invite.CalleeID,
			Reason:   reason,
		})
		r.terminate(NoteDeclined, reason)
		return nil
	})
}

// Cancel withdraws an outgoing invitation while the callee is still ringing.
func (r *Ringline) Cancel(ctx context.Context) error {
	return r.do(ctx, func() error {
		if r.fsm.Current() != PhaseRinging || r.side != SideCaller {
			return ErrBadPhase
		}
		r.timers.Clear(SideCaller)
		r.send(KindCancelled, r.invite.CalleeID, CancelledPayload{
			CallerID: r.invite.CallerID,
			CalleeID: r.invite.CalleeID,
		})
		r.terminate(NoteCancelled, nil)
		return nil
	})
}

// ConfirmJoin consumes the pending join descriptor in manual-join mode and
// starts the media join. Without a pending descriptor it is a no-op.
func (r *Ringline) ConfirmJoin(ctx context.Context) error {
	return r.do(ctx, func() error {
		if r.pendingJoin == nil {
			return nil
		}
		ji := *r.pendingJoin
		r.pendingJoin = nil
		r.startJoin(ji)
		return nil
	})
}

// receive is the bus callback. Validation happens before anything can touch
// session state; invalid messages are logged and dropped.
func (r *Ringline) receive(kind Kind, msg Message) {
	msg.Kind = kind
	if err := validateMessage(msg); err != nil {
		r.log.Warn().Err(err).Str("kind", string(kind)).Msg("Dropping invalid message")
		return
	}
	r.post(func() { r.dispatch(msg) })
}

func (r *Ringline) dispatch(msg Message) {
	decode := func(v any) bool {
		if err := json.Unmarshal(msg.Payload, v); err != nil {
			r.log.Warn().Err(err).Str("kind", string(msg.Kind)).Msg("Dropping undecodable message")
			return false
		}
		return true
	}

	switch msg.Kind {
	case KindInitiate:
		var p InitiatePayload
		if decode(&p) {
			r.onInitiate(p)
		}
	case KindAccepted:
		var p AcceptedPayload
		if decode(&p) {
			r.onAccepted(p)
		}
	case KindDeclined:
		var p DeclinedPayload
		if decode(&p) {
			r.onDeclined(p)
		}
	case KindCancelled:
		var p CancelledPayload
		if decode(&p) {
			r.onPeerEnded(NoteCancelled, nil)
		}
	case KindTimeout:
		var p TimeoutPayload
		if decode(&p) {
			r.onPeerEnded(NoteTimeout, nil)
		}
	case KindSelfStopRing:
		var p SelfStopRingPayload
		if decode(&p) {
			r.onSelfStopRing(p)
		}
	case KindMeetingReady:
		var p MeetingReadyPayload
		if decode(&p) {
			r.onMeetingReady(p)
		}
	case KindMeetingProblem:
		var p MeetingProblemPayload
		if decode(&p) {
			r.onPeerEnded(NoteProblem, p.Message)
		}
	case KindMeetingStatus:
		var p MeetingStatusPayload
		if decode(&p) {
			r.notify(r.fsm.Current(), NoteStatus, p)
		}
	}
}

func (r *Ringline) onInitiate(p InitiatePayload) {
	if r.fsm.Current() != PhaseIdle {
		// Busy guard: refuse without disturbing the active session.
		r.log.Info().Str("caller", p.CallerID).Msg("Auto declining invite, already in a call")
		r.send(KindDeclined, p.CallerID, DeclinedPayload{
			CallerID: p.CallerID,
			CalleeID: p.CalleeID,
			Reason:   DeclineReasonBusy,
		})
		return
	}
	if p.CalleeID != r.user.ID {
		r.log.Warn().Str("callee", p.CalleeID).Msg("Dropping invite addressed to someone else")
		return
	}

	inv := inviteFromInitiate(p)
	if err := inv.validate(); err != nil {
		r.log.Warn().Err(err).Msg("Dropping invalid invite")
		return
	}

	r.transition(evRing)
	r.invite = inv
	r.side = SideCallee
	r.timers.Arm(SideCallee)
	r.notify(PhaseRinging, NoteIncoming, *inv)
}

func (r *Ringline) onAccepted(p AcceptedPayload) {
	if r.fsm.Current() != PhaseRinging || r.side != SideCaller {
		// Late acceptance after our timer resolved the call. Absorbed.
		r.log.Debug().Str("callee", p.CalleeID).Msg("Ignoring acceptance outside ringing")
		return
	}
	if p.CallerID != r.invite.CallerID || p.CalleeID != r.invite.CalleeID {
		r.log.Warn().Str("caller", p.CallerID).Str("callee", p.CalleeID).Msg("Ignoring acceptance for a different negotiation")
		return
	}
	r.timers.Clear(SideCaller)
	r.busy = true
	r.transition(evAccept)
	r.notify(PhaseAccepted, NoteAcceptedRemote, *r.invite)
}

func (r *Ringline) onDeclined(p DeclinedPayload) {
	if r.fsm.Current() == PhaseIdle {
		return
	}
	r.onPeerEnded(NoteDeclined, p.Reason)
}

// onPeerEnded handles every remote terminal message: Cancelled, Timeout,
// Declined and MeetingProblem all end the session from any active phase.
func (r *Ringline) onPeerEnded(substate string, payload any) {
	if r.fsm.Current() == PhaseIdle {
		return
	}
	r.terminate(substate, payload)
}

// onSelfStopRing clears ring timers without transitioning. It is broadcast
// scoped by user id, so receiving one with no armed timer is normal.
//
// Both timers are cleared: the stop-ring is scoped to the user, not to one
// side of the negotiation.
func (r *Ringline) onSelfStopRing(p SelfStopRingPayload) {
	r.timers.ClearAll()
	if r.fsm.Current() == PhaseRinging {
		r.notify(PhaseRinging, NoteStopRing, p.CalleeID)
	}
}

func (r *Ringline) onMeetingReady(p MeetingReadyPayload) {
	if r.fsm.Current() != PhaseAccepted || r.side != SideCaller {
		r.log.Debug().Str("meeting", p.MeetingID).Msg("Ignoring meeting ready outside accepted phase")
		return
	}
	r.invite.CalleeRole = p.CalleeRole
	if r.invite.CallerRole == "" {
		r.invite.CallerRole = p.CallerRole
	}
	r.beginProvision(func(ctx context.Context, inv CallInvite) (*MeetingProvisionResult, error) {
		return r.provisionCaller(ctx, inv, p)
	})
}

func (r *Ringline) onTimerFired(side Side) {
	r.post(func() { r.timerFired(side) })
}

// timerFired resolves the ringing timeout race: if the session already left
// Ringing by the time this runs, the firing is a no-op.
func (r *Ringline) timerFired(side Side) {
	if r.fsm.Current() != PhaseRinging || r.side != side {
		return
	}
	peer := r.invite.peerID(side)
	r.timers.ClearAll()
	r.send(KindTimeout, peer, TimeoutPayload{
		CallerID: r.invite.CallerID,
		CalleeID: r.invite.CalleeID,
	})
	r.send(KindSelfStopRing, r.user.ID, SelfStopRingPayload{CalleeID: r.user.ID})
	r.terminate(NoteTimeout, nil)
}

// beginProvision moves to Provisioning and runs the orchestrator off the
// loop. Completion is posted back and checked against the provisioning
// generation, so a result landing after the session ended is dropped.
func (r *Ringline) beginProvision(run func(ctx context.Context, inv CallInvite) (*MeetingProvisionResult, error)) {
	r.transition(evProvision)
	r.notify(PhaseProvisioning, "", nil)

	gen := r.provGen
	inv := *r.invite
	go func() {
		res, err := run(context.Background(), inv)
		r.post(func() { r.provisionDone(gen, inv, res, err) })
	}()
}

func (r *Ringline) provisionDone(gen uint64, inv CallInvite, res *MeetingProvisionResult, err error) {
	if gen != r.provGen || r.fsm.Current() != PhaseProvisioning {
		r.log.Debug().Msg("Dropping stale provisioning result")
		return
	}
	peer := inv.peerID(r.side)

	if err != nil {
		r.log.Error().Err(err).Msg("Provisioning failed")
		r.send(KindMeetingProblem, peer, MeetingProblemPayload{
			MeetingID: problemMeetingID(res, err),
			CallerID:  inv.CallerID,
			CalleeID:  inv.CalleeID,
			Message:   err.Error(),
		})
		r.terminate(NoteProblem, err.Error())
		return
	}
	r.meetingID = res.DBMeetingID

	if r.side == SideCallee {
		r.send(KindMeetingReady, inv.CallerID, MeetingReadyPayload{
			MeetingID:      res.DBMeetingID,
			CallerID:       inv.CallerID,
			CalleeID:       inv.CalleeID,
			CallerRole:     inv.CallerRole,
			CalleeRole:     inv.CalleeRole,
			MediaSessionID: res.MediaSessionID,
			DBMeetingID:    res.DBMeetingID,
		})
		if r.manualJoin {
			ji := res.Join
			r.pendingJoin = &ji
			r.notify(PhaseProvisioning, NoteAwaitConfirm, nil)
			return
		}
	}
	r.startJoin(res.Join)
}

func (r *Ringline) startJoin(ji JoinInfo) {
	gen := r.provGen
	inv := *r.invite
	role := inv.CalleeRole
	if r.side == SideCaller {
		role = inv.CallerRole
	}
	go func() {
		var err error
		if r.media == nil {
			err = errors.New("no media engine configured")
		} else {
			err = r.media.Join(context.Background(), ji.Meeting, ji.Attendee, role, inv.CallType)
		}
		r.post(func() { r.joinDone(gen, inv, err) })
	}()
}

func (r *Ringline) joinDone(gen uint64, inv CallInvite, err error) {
	if gen != r.provGen || r.fsm.Current() != PhaseProvisioning {
		r.log.Debug().Msg("Dropping stale join result")
		return
	}
	if err != nil {
		r.log.Error().Err(err).Msg("Media join failed")
		r.send(KindMeetingProblem, inv.peerID(r.side), MeetingProblemPayload{
			MeetingID: r.meetingID,
			CallerID:  inv.CallerID,
			CalleeID:  inv.CalleeID,
			Message:   err.Error(),
		})
		r.terminate(NoteJoinFailed, err.Error())
		return
	}
	r.transition(evConnect)
	r.notify(PhaseConnected, "", inv)
}

// terminate runs the terminal transition and resets every piece of session
// state, leaving the machine in Idle for the next call.
func (r *Ringline) terminate(substate string, payload any) {
	r.timers.ClearAll()
	wasConnected := r.fsm.Current() == PhaseConnected
	if r.transition(evTerminate) {
		r.notify(PhaseTerminated, substate, payload)
	}
	if wasConnected && r.media != nil {
		go r.media.Leave(context.Background(), substate)
	}

	r.transition(evReset)
	r.invite = nil
	r.side = SideNone
	r.busy = false
	r.pendingJoin = nil
	r.meetingID = ""
	r.provGen++
}

func (r *Ringline) transition(event string) bool {
	if err := r.fsm.Event(context.Background(), event); err != nil {
		r.log.Debug().Err(err).Str("event", event).Str("phase", r.fsm.Current()).Msg("Phase transition refused")
		return false
	}
	return true
}

func (r *Ringline) notify(state, substate string, payload any) {
	r.log.Debug().Str("state", state).Str("substate", substate).Msg("Call state changed")
	if r.notifier != nil {
		r.notifier(Notification{State: state, Substate: substate, Payload: payload})
	}
}

func (r *Ringline) send(kind Kind, to string, payload any) {
	msg, err := newMessage(kind, to, payload)
	if err != nil {
		r.log.Error().Err(err).Str("kind", string(kind)).Msg("Failed to build message")
		return
	}
	msg.From = r.user.ID
	if err := r.bus.Send(context.Background(), to, msg); err != nil {
		r.log.Error().Err(err).Str("kind", string(kind)).Str("to", to).Msg("Failed to send message")
	}
}

// problemMeetingID recovers the meeting record id for a problem report. A
// failed chain returns a nil result, so the id travels on ProvisionError when
// the failure happened after meeting creation.
func problemMeetingID(res *MeetingProvisionResult, err error) string {
	if res != nil {
		return res.DBMeetingID
	}
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.MeetingID
	}
	return ""
}
