package core

import (
	"context"

	"github.com/dkeye/Jingle/internal/domain"
	"mellium.im/xmpp/jid"
)

// Frame is one serialized stanza.
type Frame []byte

// SignalConnection abstracts the stanza bridge connection.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// StanzaChannel sends IQs and correlates their responses.
type StanzaChannel interface {
	// Send delivers iq without waiting for a response.
	Send(ctx context.Context, iq *domain.IQ) error
	// Request delivers iq and blocks until the matching result or error
	// arrives, ctx ends, or the provider-level stanza timeout elapses.
	Request(ctx context.Context, iq *domain.IQ) (*domain.IQ, error)
	LocalAddress() jid.JID
}

// Discoverer answers blocking service discovery queries.
type Discoverer interface {
	// Supports reports whether addr advertises every feature.
	Supports(ctx context.Context, addr jid.JID, features ...string) (bool, error)
	Items(ctx context.Context, addr jid.JID) ([]domain.DiscoItem, error)
}

// Resource is one available full address of a contact.
type Resource struct {
	Address  jid.JID
	Priority int
}

// Presence is the roster view of the account.
type Presence interface {
	InRoster(bare jid.JID) bool
	// Resources lists available resources ordered by descending priority.
	Resources(bare jid.JID) []Resource
}

// PreSignaling returns the sid agreed through Jingle Message Initiation.
type PreSignaling interface {
	SessionFor(peer jid.JID) (domain.SessionID, bool)
}

// JingleHandler consumes inbound Jingle IQs. The handler answers the IQ
// itself, before any stanza the action triggers.
type JingleHandler interface {
	HandleJingle(ctx context.Context, iq *domain.IQ)
}

// ConferenceHandler consumes colibri conference updates pushed by the relay.
type ConferenceHandler interface {
	HandleConference(ctx context.Context, from jid.JID, c *domain.Conference) error
}
