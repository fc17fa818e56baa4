// Package dispatch interprets inbound Jingle actions and drives the ICE,
// DTLS and colibri coordinators for every call session.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/app/colibri"
	"github.com/dkeye/Jingle/internal/app/transport"
	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

const (
	DefaultTransportWindow   = 2 * time.Second
	DefaultCompletionTimeout = 5 * time.Second
)

type Options struct {
	// TransportWindow bounds how long a session-accept waits for trickled
	// candidates before it is processed with what arrived.
	TransportWindow   time.Duration
	CompletionTimeout time.Duration
	Workers           int
	Queue             int
}

type Dispatcher struct {
	Registry   *app.CallRegistry
	Stanzas    core.StanzaChannel
	Disco      core.Discoverer
	Presence   core.Presence
	PreSignal  core.PreSignaling
	Events     core.EventSink
	Transports *transport.Factory
	Dtls       *transport.Dtls
	Colibri    *colibri.Allocator
	Policy     app.Policy
	Options    Options

	ctx     context.Context
	cancel  context.CancelFunc
	workers *workers
	now     func() time.Time
	logger  zerolog.Logger
}

// Start prepares the worker pool. Tasks run under ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.Options.TransportWindow <= 0 {
		d.Options.TransportWindow = DefaultTransportWindow
	}
	if d.Options.CompletionTimeout <= 0 {
		d.Options.CompletionTimeout = DefaultCompletionTimeout
	}
	if d.Registry == nil {
		d.Registry = app.NewCallRegistry()
	}
	if d.Policy == nil {
		d.Policy = app.SimplePolicy{}
	}
	if d.Events == nil {
		d.Events = nopSink{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.Colibri != nil {
		d.Colibri.SetConferences(d.Registry)
	}
	d.logger = log.With().Str("module", "dispatch").Logger()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.workers = newWorkers(d.ctx, d.Options.Workers, d.Options.Queue)
}

// Close hangs up every live call and waits for running tasks.
func (d *Dispatcher) Close() {
	for _, snap := range d.Registry.Snapshot() {
		if err := d.Hangup(d.ctx, snap.SID, domain.HangupNormal); err != nil && !errors.Is(err, domain.ErrUnknownSession) {
			d.logger.Warn().Err(err).Str("sid", string(snap.SID)).Msg("hangup on shutdown")
		}
	}
	d.cancel()
	d.workers.close()
}

// HandleJingle is the entry point for every inbound Jingle IQ. The IQ is
// answered before anything the action produced goes out.
func (d *Dispatcher) HandleJingle(ctx context.Context, iq *domain.IQ) {
	ob := &outbox{}
	err := d.route(ctx, iq, ob)
	d.ack(ctx, iq, err)
	d.flush(ob)
}

func (d *Dispatcher) route(ctx context.Context, iq *domain.IQ, ob *outbox) error {
	j := iq.Jingle
	if j == nil {
		return domain.NewActionError(stanza.BadRequest, errors.New("missing jingle payload"))
	}
	from, err := jid.Parse(iq.From)
	if err != nil {
		return domain.NewActionError(stanza.JIDMalformed, err)
	}
	logger := d.logger.With().
		Str("sid", string(j.SID)).
		Str("action", string(j.Action)).
		Str("from", from.String()).
		Logger()
	if j.SID == "" {
		return domain.NewActionError(stanza.BadRequest, errors.New("missing sid"))
	}
	logger.Debug().Int("contents", len(j.Contents)).Msg("jingle action")

	switch j.Action {
	case domain.ActionSessionInitiate:
		err = d.onSessionInitiate(ctx, from, j, ob)
	case domain.ActionSessionAccept:
		err = d.onSessionAccept(from, j, ob)
	case domain.ActionSessionInfo:
		err = d.onSessionInfo(from, j, ob)
	case domain.ActionSessionTerminate:
		err = d.onSessionTerminate(from, j, ob)
	case domain.ActionTransportInfo:
		err = d.onTransportInfo(from, j, ob)
	case domain.ActionContentAdd:
		err = d.onContentAdd(from, j, ob)
	case domain.ActionContentAccept:
		err = d.onContentAccept(from, j, ob)
	case domain.ActionContentModify:
		err = d.onContentModify(from, j, ob)
	case domain.ActionContentReject, domain.ActionContentRemove:
		err = d.onContentRemove(from, j, ob)
	case domain.ActionSourceAdd, domain.ActionSourceRemove:
		err = d.onSource(from, j, ob)
	default:
		return domain.NewActionError(stanza.FeatureNotImplemented, errors.New(string(j.Action)))
	}
	if err != nil {
		logger.Warn().Err(err).Msg("jingle action rejected")
	}
	return err
}

func (d *Dispatcher) ack(ctx context.Context, iq *domain.IQ, err error) {
	resp := iq.Result()
	if err != nil {
		var ae *domain.ActionError
		if !errors.As(err, &ae) {
			ae = domain.NewActionError(stanza.InternalServerError, err)
		}
		resp = iq.Fail(ae.StanzaError())
	}
	if err := d.Stanzas.Send(ctx, resp); err != nil {
		d.logger.Warn().Err(err).Str("to", resp.To).Msg("ack failed")
	}
}

// outbox collects what a locked section produced. It is flushed once the
// sid lock is released.
type outbox struct {
	iqs    []*domain.IQ
	events []core.CallEvent
	after  []func()
}

func (o *outbox) send(iq *domain.IQ) { o.iqs = append(o.iqs, iq) }

func (o *outbox) then(fn func()) { o.after = append(o.after, fn) }

func (d *Dispatcher) event(o *outbox, typ core.CallEventType, sid domain.SessionID, peer jid.JID, reason string) {
	o.events = append(o.events, core.CallEvent{Type: typ, SID: sid, Peer: peer, Reason: reason, At: d.now()})
}

func (d *Dispatcher) flush(ob *outbox) {
	for _, iq := range ob.iqs {
		if err := d.Stanzas.Send(d.ctx, iq); err != nil {
			d.logger.Warn().Err(err).Str("to", iq.To).Msg("send failed")
		}
	}
	for _, ev := range ob.events {
		d.Events.Publish(ev)
	}
	for _, fn := range ob.after {
		fn()
	}
}

// locked runs fn under the lock of sid. Nothing in fn may block.
func (d *Dispatcher) locked(sid domain.SessionID, create bool, fn func(*app.CallEntry) error) (bool, error) {
	if create {
		return true, d.Registry.With(sid, fn)
	}
	return d.Registry.WithExisting(sid, fn)
}

// withOutbox runs fn and flushes what it produced.
func (d *Dispatcher) withOutbox(fn func(ob *outbox) error) error {
	ob := &outbox{}
	err := fn(ob)
	d.flush(ob)
	return err
}

// background submits t to the workers. When the queue refuses, onErr runs
// on the caller.
func (d *Dispatcher) background(name string, t task, onErr func(error)) {
	if err := d.workers.submit(t); err != nil {
		d.logger.Warn().Err(err).Str("task", name).Msg("task not scheduled")
		if onErr != nil {
			onErr(err)
		}
	}
}

// peerRef names one negotiation across lock releases.
type peerRef struct {
	sid  domain.SessionID
	addr jid.JID
}

func refOf(p *domain.PeerNegotiation) peerRef { return peerRef{sid: p.SID, addr: p.Address} }

func (r peerRef) find(e *app.CallEntry) *domain.PeerNegotiation {
	if e.Session == nil {
		return nil
	}
	p := e.Session.PeerBySID(r.sid)
	if p == nil || !p.Address.Equal(r.addr) {
		return nil
	}
	return p
}

// peerOf finds the negotiation an action of sid sent by from belongs to.
func peerOf(cs *domain.CallSession, sid domain.SessionID, from jid.JID) *domain.PeerNegotiation {
	if cs == nil {
		return nil
	}
	p := cs.PeerBySID(sid)
	if p == nil {
		p = cs.Peer(from)
	}
	if p == nil || !p.Address.Bare().Equal(from.Bare()) {
		return nil
	}
	return p
}

func unknownSession(sid domain.SessionID) error {
	return domain.NewActionError(stanza.ItemNotFound, errors.Join(domain.ErrUnknownSession, errors.New(string(sid))))
}

func (d *Dispatcher) local() jid.JID { return d.Stanzas.LocalAddress() }

func (d *Dispatcher) jingleIQ(to jid.JID, j *domain.Jingle) *domain.IQ {
	iq := domain.NewIQ(stanza.SetIQ, to.String())
	iq.From = d.local().String()
	iq.Jingle = j
	return iq
}

func (d *Dispatcher) terminateIQ(peer *domain.PeerNegotiation, cond domain.ReasonCondition, text string) *domain.IQ {
	return d.jingleIQ(peer.Address, &domain.Jingle{
		Action: domain.ActionSessionTerminate,
		SID:    peer.SID,
		Reason: &domain.Reason{Condition: cond, Text: text},
	})
}

// request sends a jingle IQ and turns an error response into an error.
func (d *Dispatcher) request(ctx context.Context, to jid.JID, j *domain.Jingle) error {
	resp, err := d.Stanzas.Request(ctx, d.jingleIQ(to, j))
	if err != nil {
		return err
	}
	if resp.Type == stanza.ErrorIQ {
		cond := stanza.UndefinedCondition
		if resp.Error != nil {
			cond = resp.Error.Condition
		}
		return &domain.ReasonError{Reason: domain.ReasonGeneralError, Err: errors.New(string(j.Action) + " rejected: " + string(cond))}
	}
	return nil
}

// Calls lists the live sessions.
func (d *Dispatcher) Calls() []app.CallSnapshot { return d.Registry.Snapshot() }

type nopSink struct{}

func (nopSink) Publish(core.CallEvent) {}
