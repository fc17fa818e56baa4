package domain

import (
	"encoding/xml"
	"strings"
)

const (
	NSClient      = "jabber:client"
	NSJingle      = "urn:xmpp:jingle:1"
	NSJingleRTP   = "urn:xmpp:jingle:apps:rtp:1"
	NSJingleAudio = "urn:xmpp:jingle:apps:rtp:audio"
	NSJingleVideo = "urn:xmpp:jingle:apps:rtp:video"
	NSRTPInfo     = "urn:xmpp:jingle:apps:rtp:info:1"
	NSSSMA        = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSICEUDP      = "urn:xmpp:jingle:transports:ice-udp:1"
	NSDTLS        = "urn:xmpp:jingle:apps:dtls:0"
	NSTransfer    = "urn:xmpp:jingle:transfer:0"
	NSCallID      = "http://jitsi.org/protocol/condesc"
	NSJingleMsg   = "urn:xmpp:jingle-message:0"
	NSColibri     = "http://jitsi.org/protocol/colibri"
	NSExtDisco    = "urn:xmpp:extdisco:2"
	NSDiscoInfo   = "http://jabber.org/protocol/disco#info"
	NSDiscoItems  = "http://jabber.org/protocol/disco#items"
	NSFraming     = "urn:ietf:params:xml:ns:xmpp-framing"
)

type Action string

const (
	ActionSessionInitiate  Action = "session-initiate"
	ActionSessionAccept    Action = "session-accept"
	ActionSessionInfo      Action = "session-info"
	ActionSessionTerminate Action = "session-terminate"
	ActionTransportInfo    Action = "transport-info"
	ActionContentAdd       Action = "content-add"
	ActionContentAccept    Action = "content-accept"
	ActionContentModify    Action = "content-modify"
	ActionContentReject    Action = "content-reject"
	ActionContentRemove    Action = "content-remove"
	ActionSourceAdd        Action = "source-add"
	ActionSourceRemove     Action = "source-remove"
)

// Empty is a marker child element such as <rtcp-mux/> or <ringing/>.
type Empty struct{}

type Jingle struct {
	XMLName   xml.Name   `xml:"urn:xmpp:jingle:1 jingle"`
	Action    Action     `xml:"action,attr"`
	Initiator string     `xml:"initiator,attr,omitempty"`
	Responder string     `xml:"responder,attr,omitempty"`
	SID       SessionID  `xml:"sid,attr"`
	Contents  []*Content `xml:"content"`
	Reason    *Reason    `xml:"reason,omitempty"`
	Transfer  *Transfer  `xml:"urn:xmpp:jingle:transfer:0 transfer,omitempty"`
	CallID    *CallID    `xml:"http://jitsi.org/protocol/condesc callid,omitempty"`

	Ringing *Empty `xml:"urn:xmpp:jingle:apps:rtp:info:1 ringing,omitempty"`
	Hold    *Empty `xml:"urn:xmpp:jingle:apps:rtp:info:1 hold,omitempty"`
	Unhold  *Empty `xml:"urn:xmpp:jingle:apps:rtp:info:1 unhold,omitempty"`
	Mute    *Empty `xml:"urn:xmpp:jingle:apps:rtp:info:1 mute,omitempty"`
	Unmute  *Empty `xml:"urn:xmpp:jingle:apps:rtp:info:1 unmute,omitempty"`
}

// Content returns the content with the given name, or nil.
func (j *Jingle) Content(name string) *Content {
	for _, c := range j.Contents {
		if c.Name == name {
			return c
		}
	}
	return nil
}

type Content struct {
	Creator     string       `xml:"creator,attr,omitempty"`
	Name        string       `xml:"name,attr"`
	Senders     string       `xml:"senders,attr,omitempty"`
	Description *Description `xml:"urn:xmpp:jingle:apps:rtp:1 description,omitempty"`
	Transport   *Transport   `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport,omitempty"`
}

// Media is the media type of the content, falling back to its name for
// peers that omit the description.
func (c *Content) Media() MediaType {
	if c.Description != nil && c.Description.Media != "" {
		return c.Description.Media
	}
	return MediaType(c.Name)
}

// RTCPMux reports whether the content asks for rtcp-mux, in its transport or
// in its description.
func (c *Content) RTCPMux() bool {
	return c.Transport.HasRTCPMux() || (c.Description != nil && c.Description.RTCPMux != nil)
}

// Clone copies the content and its transport so that candidate merges never
// alias the received stanza.
func (c *Content) Clone() *Content {
	if c == nil {
		return nil
	}
	out := *c
	if c.Description != nil {
		d := *c.Description
		d.PayloadTypes = append([]PayloadType(nil), c.Description.PayloadTypes...)
		d.Sources = append([]Source(nil), c.Description.Sources...)
		out.Description = &d
	}
	out.Transport = c.Transport.Clone()
	return &out
}

type Description struct {
	Media        MediaType     `xml:"media,attr"`
	SSRC         string        `xml:"ssrc,attr,omitempty"`
	PayloadTypes []PayloadType `xml:"payload-type"`
	Sources      []Source      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	RTCPMux      *Empty        `xml:"rtcp-mux,omitempty"`
}

type PayloadType struct {
	ID         int         `xml:"id,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	ClockRate  int         `xml:"clockrate,attr,omitempty"`
	Channels   int         `xml:"channels,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
}

type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type Source struct {
	SSRC       string      `xml:"ssrc,attr"`
	Parameters []Parameter `xml:"parameter"`
}

// Transport is an ICE-UDP transport description.
type Transport struct {
	Ufrag        string        `xml:"ufrag,attr,omitempty"`
	Pwd          string        `xml:"pwd,attr,omitempty"`
	RTCPMux      *Empty        `xml:"rtcp-mux,omitempty"`
	Fingerprints []Fingerprint `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Candidates   []Candidate   `xml:"candidate"`
}

func (t *Transport) Clone() *Transport {
	if t == nil {
		return nil
	}
	out := *t
	out.Fingerprints = append([]Fingerprint(nil), t.Fingerprints...)
	out.Candidates = append([]Candidate(nil), t.Candidates...)
	return &out
}

func (t *Transport) HasRTCPMux() bool { return t != nil && t.RTCPMux != nil }

type Setup string

const (
	SetupActPass Setup = "actpass"
	SetupActive  Setup = "active"
	SetupPassive Setup = "passive"
)

type Fingerprint struct {
	Hash  string `xml:"hash,attr"`
	Setup Setup  `xml:"setup,attr,omitempty"`
	Value string `xml:",chardata"`
}

type CandidateType string

const (
	CandidateHost  CandidateType = "host"
	CandidateSrflx CandidateType = "srflx"
	CandidatePrflx CandidateType = "prflx"
	CandidateRelay CandidateType = "relay"
)

// Candidate is the wire form of an ICE candidate.
type Candidate struct {
	Component  int           `xml:"component,attr"`
	Foundation string        `xml:"foundation,attr"`
	Generation int           `xml:"generation,attr"`
	ID         string        `xml:"id,attr,omitempty"`
	IP         string        `xml:"ip,attr"`
	Network    int           `xml:"network,attr"`
	Port       int           `xml:"port,attr"`
	Priority   uint32        `xml:"priority,attr"`
	Protocol   string        `xml:"protocol,attr"`
	RelAddr    string        `xml:"rel-addr,attr,omitempty"`
	RelPort    int           `xml:"rel-port,attr,omitempty"`
	Type       CandidateType `xml:"type,attr"`
}

// CandidateKey identifies a candidate for deduplication.
type CandidateKey struct {
	Component  int
	Foundation string
	IP         string
	Port       int
}

func (c Candidate) Key() CandidateKey {
	return CandidateKey{Component: c.Component, Foundation: c.Foundation, IP: c.IP, Port: c.Port}
}

type Transfer struct {
	SID  SessionID `xml:"sid,attr,omitempty"`
	From string    `xml:"from,attr,omitempty"`
	To   string    `xml:"to,attr,omitempty"`
}

type CallID struct {
	Value string `xml:",chardata"`
}

// ReasonCondition is the local name of the jingle reason child element.
type ReasonCondition string

const (
	ReasonSuccess                 ReasonCondition = "success"
	ReasonBusy                    ReasonCondition = "busy"
	ReasonDecline                 ReasonCondition = "decline"
	ReasonTimeout                 ReasonCondition = "timeout"
	ReasonSecurityError           ReasonCondition = "security-error"
	ReasonUnsupportedApplications ReasonCondition = "unsupported-applications"
	ReasonUnsupportedTransports   ReasonCondition = "unsupported-transports"
	ReasonConnectivityError       ReasonCondition = "connectivity-error"
	ReasonFailedTransport         ReasonCondition = "failed-transport"
	ReasonFailedApplication       ReasonCondition = "failed-application"
	ReasonGeneralError            ReasonCondition = "general-error"
	ReasonGone                    ReasonCondition = "gone"
	ReasonCancel                  ReasonCondition = "cancel"
)

type Reason struct {
	Condition ReasonCondition
	Text      string
}

func (r Reason) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start = xml.StartElement{Name: xml.Name{Local: "reason"}}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	cond := xml.StartElement{Name: xml.Name{Local: string(r.Condition)}}
	if err := e.EncodeToken(cond); err != nil {
		return err
	}
	if err := e.EncodeToken(cond.End()); err != nil {
		return err
	}
	if r.Text != "" {
		if err := e.EncodeElement(r.Text, xml.StartElement{Name: xml.Name{Local: "text"}}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func (r *Reason) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" {
				var s string
				if err := d.DecodeElement(&s, &t); err != nil {
					return err
				}
				r.Text = strings.TrimSpace(s)
				continue
			}
			if r.Condition == "" {
				r.Condition = ReasonCondition(t.Name.Local)
			}
			if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}
