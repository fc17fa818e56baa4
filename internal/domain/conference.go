package domain

import (
	"io"
	"sync"

	"mellium.im/xmpp/jid"
)

// RelayChannel is one channel allocated on the conference relay.
type RelayChannel struct {
	ID        string
	Endpoint  string
	Initiator bool
	Direction string
	Transport *Transport
}

// RelayContent groups the channels of one media type: the shared local
// channel and one remote channel per peer.
type RelayContent struct {
	Media  MediaType
	Local  *RelayChannel
	Remote map[string]*RelayChannel

	// EstablishingWithRelay marks that the local side drives ICE towards the
	// relay for this media type; peers sharing the media handler must not.
	EstablishingWithRelay bool

	stream io.Closer
}

// ConferenceChannelSet is the relay-side state of one call. Lock guards the
// fields and is never held across a relay round trip. Allocations run
// between BeginAllocation and EndAllocation so that a media type's local
// channel is requested at most once.
type ConferenceChannelSet struct {
	mu    sync.Mutex
	alloc sync.Mutex

	ID       string
	Relay    jid.JID
	contents map[MediaType]*RelayContent
	order    []MediaType
}

func NewConferenceChannelSet() *ConferenceChannelSet {
	return &ConferenceChannelSet{contents: make(map[MediaType]*RelayContent)}
}

func (s *ConferenceChannelSet) Lock()   { s.mu.Lock() }
func (s *ConferenceChannelSet) Unlock() { s.mu.Unlock() }

func (s *ConferenceChannelSet) BeginAllocation() { s.alloc.Lock() }
func (s *ConferenceChannelSet) EndAllocation()   { s.alloc.Unlock() }

// Content returns the relay content for media, creating it.
func (s *ConferenceChannelSet) Content(media MediaType) *RelayContent {
	rc, ok := s.contents[media]
	if !ok {
		rc = &RelayContent{Media: media, Remote: make(map[string]*RelayChannel)}
		s.contents[media] = rc
		s.order = append(s.order, media)
	}
	return rc
}

func (s *ConferenceChannelSet) Lookup(media MediaType) (*RelayContent, bool) {
	rc, ok := s.contents[media]
	return rc, ok
}

func (s *ConferenceChannelSet) HasLocal(media MediaType) bool {
	rc, ok := s.contents[media]
	return ok && rc.Local != nil
}

// Media lists the media types with relay state, in first-use order.
func (s *ConferenceChannelSet) Media() []MediaType {
	return append([]MediaType(nil), s.order...)
}

// AttachStream hands ownership of the relay stream of media to the set.
func (s *ConferenceChannelSet) AttachStream(media MediaType, c io.Closer) {
	rc := s.Content(media)
	if rc.stream != nil && rc.stream != c {
		_ = rc.stream.Close()
	}
	rc.stream = c
}

// ReleaseLocal drops the shared local channel of media and closes the relay
// stream it owns.
func (rc *RelayContent) ReleaseLocal() *RelayChannel {
	ch := rc.Local
	rc.Local = nil
	rc.EstablishingWithRelay = false
	if rc.stream != nil {
		_ = rc.stream.Close()
		rc.stream = nil
	}
	return ch
}

// ChannelCount counts local and remote channels.
func (rc *RelayContent) ChannelCount() int {
	n := len(rc.Remote)
	if rc.Local != nil {
		n++
	}
	return n
}
