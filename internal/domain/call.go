package domain

import (
	"slices"
	"time"

	"mellium.im/xmpp/jid"
)

// PeerNegotiation is the negotiation state with one remote party.
type PeerNegotiation struct {
	SID       SessionID
	Address   jid.JID
	Initiator bool
	State     PeerState
	Failure   string

	// SharedMedia is set in conference-focus mode when the media handler is
	// shared with the other peers of the call.
	SharedMedia bool
	Relayed     bool

	Local  []*Content
	Remote []*Content

	Transports map[string]*TransportState
	expected   []string

	// LocalSent is set once our offer or answer went out.
	LocalSent bool
	// TransportApplied flips once queued remote candidates were handed to the
	// ICE agent; afterwards candidates are applied live.
	TransportApplied bool
	DeferredAccept   *Jingle
	AcceptProcessed  bool

	// Transfer is the directive this session was initiated with.
	Transfer *Transfer
}

func NewPeerNegotiation(sid SessionID, addr jid.JID, initiator bool) *PeerNegotiation {
	state := PeerInitiatingCall
	if initiator {
		state = PeerIncomingCall
	}
	return &PeerNegotiation{
		SID:        sid,
		Address:    addr,
		Initiator:  initiator,
		State:      state,
		Transports: make(map[string]*TransportState),
	}
}

func (p *PeerNegotiation) Key() string { return p.Address.String() }

// SetState moves the peer to s. Finished peers never change again.
func (p *PeerNegotiation) SetState(s PeerState) bool {
	if p.State == s || p.State.Finished() {
		return false
	}
	p.State = s
	return true
}

func (p *PeerNegotiation) Fail(reason string) bool {
	if !p.SetState(PeerFailed) {
		return false
	}
	p.Failure = reason
	return true
}

// Transport returns the transport state of a content, creating it.
func (p *PeerNegotiation) Transport(name string, media MediaType) *TransportState {
	ts, ok := p.Transports[name]
	if !ok {
		ts = NewTransportState(name, media)
		p.Transports[name] = ts
	}
	return ts
}

// Expect declares the contents that must each see a remote candidate before
// the session-establishing transport is applied.
func (p *PeerNegotiation) Expect(contents []*Content) {
	for _, c := range contents {
		if !slices.Contains(p.expected, c.Name) {
			p.expected = append(p.expected, c.Name)
		}
		p.Transport(c.Name, c.Media())
	}
}

func (p *PeerNegotiation) Expected() []string { return append([]string(nil), p.expected...) }

// MergeRemote folds the transports of contents into the pending remote sets
// and returns the number of new candidates.
func (p *PeerNegotiation) MergeRemote(contents []*Content) int {
	added := 0
	for _, c := range contents {
		if c == nil || c.Transport == nil {
			continue
		}
		added += p.Transport(c.Name, c.Media()).AddRemote(c.Transport)
	}
	return added
}

// Awaiting lists expected contents that have no remote candidate yet.
func (p *PeerNegotiation) Awaiting() []string {
	var out []string
	for _, name := range p.expected {
		if ts, ok := p.Transports[name]; !ok || ts.RemoteCount() == 0 {
			out = append(out, name)
		}
	}
	return out
}

func (p *PeerNegotiation) TransportReady() bool { return len(p.Awaiting()) == 0 }

func (p *PeerNegotiation) RemoteContent(name string) *Content { return findContent(p.Remote, name) }

func (p *PeerNegotiation) LocalContent(name string) *Content { return findContent(p.Local, name) }

// RemoveContent drops a content from both sides and reports how many remain.
func (p *PeerNegotiation) RemoveContent(name string) int {
	p.Local = dropContent(p.Local, name)
	p.Remote = dropContent(p.Remote, name)
	delete(p.Transports, name)
	for i, n := range p.expected {
		if n == name {
			p.expected = append(p.expected[:i], p.expected[i+1:]...)
			break
		}
	}
	return len(p.Transports)
}

// CallSession is one call: a local party and its peer negotiations.
type CallSession struct {
	SID        SessionID
	Initiator  bool
	Local      jid.JID
	State      CallState
	Peers      []*PeerNegotiation
	Conference *ConferenceChannelSet
	Created    time.Time

	// Attendant is the session this one replaces after a transfer.
	Attendant SessionID
}

func NewCallSession(sid SessionID, local jid.JID, initiator bool, now time.Time) *CallSession {
	return &CallSession{SID: sid, Local: local, Initiator: initiator, State: CallInitiating, Created: now}
}

func (c *CallSession) AddPeer(p *PeerNegotiation) { c.Peers = append(c.Peers, p) }

// Peer finds the negotiation with addr, matching the full address first and
// the bare address second.
func (c *CallSession) Peer(addr jid.JID) *PeerNegotiation {
	for _, p := range c.Peers {
		if p.Address.Equal(addr) {
			return p
		}
	}
	for _, p := range c.Peers {
		if p.Address.Bare().Equal(addr.Bare()) {
			return p
		}
	}
	return nil
}

func (c *CallSession) PeerBySID(sid SessionID) *PeerNegotiation {
	for _, p := range c.Peers {
		if p.SID == sid {
			return p
		}
	}
	return nil
}

// Live counts peers that have not finished.
func (c *CallSession) Live() int {
	n := 0
	for _, p := range c.Peers {
		if !p.State.Finished() {
			n++
		}
	}
	return n
}

func (c *CallSession) SetState(s CallState) bool {
	if c.State == s || c.State.Finished() {
		return false
	}
	c.State = s
	return true
}

func findContent(list []*Content, name string) *Content {
	for _, c := range list {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func dropContent(list []*Content, name string) []*Content {
	out := list[:0]
	for _, c := range list {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return out
}
