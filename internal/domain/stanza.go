package domain

import (
	"encoding/xml"

	"mellium.im/xmpp/stanza"
)

// IQ is the envelope for every request/response exchanged with peers, the
// relay and the server. Exactly one payload field is set.
type IQ struct {
	XMLName xml.Name
	ID      string        `xml:"id,attr"`
	Type    stanza.IQType `xml:"type,attr"`
	From    string        `xml:"from,attr,omitempty"`
	To      string        `xml:"to,attr,omitempty"`

	Jingle     *Jingle       `xml:"urn:xmpp:jingle:1 jingle,omitempty"`
	Conference *Conference   `xml:"http://jitsi.org/protocol/colibri conference,omitempty"`
	DiscoInfo  *DiscoInfo    `xml:"http://jabber.org/protocol/disco#info query,omitempty"`
	DiscoItems *DiscoItems   `xml:"http://jabber.org/protocol/disco#items query,omitempty"`
	Services   *ExtServices  `xml:"urn:xmpp:extdisco:2 services,omitempty"`
	Error      *stanza.Error `xml:"error,omitempty"`
}

func NewIQ(typ stanza.IQType, to string) *IQ {
	return &IQ{XMLName: xml.Name{Space: NSClient, Local: "iq"}, Type: typ, To: to}
}

// Result builds the empty result acknowledging iq.
func (iq *IQ) Result() *IQ {
	out := NewIQ(stanza.ResultIQ, iq.From)
	out.ID = iq.ID
	out.From = iq.To
	return out
}

// Fail builds the error response to iq.
func (iq *IQ) Fail(se stanza.Error) *IQ {
	out := NewIQ(stanza.ErrorIQ, iq.From)
	out.ID = iq.ID
	out.From = iq.To
	out.Error = &se
	return out
}

type DiscoInfo struct {
	Node       string     `xml:"node,attr,omitempty"`
	Identities []Identity `xml:"identity"`
	Features   []Feature  `xml:"feature"`
}

type Identity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr,omitempty"`
}

type Feature struct {
	Var string `xml:"var,attr"`
}

// Has reports whether every feature is advertised.
func (d *DiscoInfo) Has(features ...string) bool {
	if d == nil {
		return len(features) == 0
	}
	set := make(map[string]struct{}, len(d.Features))
	for _, f := range d.Features {
		set[f.Var] = struct{}{}
	}
	for _, f := range features {
		if _, ok := set[f]; !ok {
			return false
		}
	}
	return true
}

type DiscoItems struct {
	Node  string      `xml:"node,attr,omitempty"`
	Items []DiscoItem `xml:"item"`
}

type DiscoItem struct {
	JID  string `xml:"jid,attr"`
	Name string `xml:"name,attr,omitempty"`
	Node string `xml:"node,attr,omitempty"`
}

// ExtServices is the XEP-0215 external service discovery payload.
type ExtServices struct {
	Type     string       `xml:"type,attr,omitempty"`
	Services []ExtService `xml:"service"`
}

type ExtService struct {
	Host       string `xml:"host,attr"`
	Port       int    `xml:"port,attr,omitempty"`
	Type       string `xml:"type,attr"`
	Transport  string `xml:"transport,attr,omitempty"`
	Username   string `xml:"username,attr,omitempty"`
	Password   string `xml:"password,attr,omitempty"`
	Restricted bool   `xml:"restricted,attr,omitempty"`
}

type Presence struct {
	XMLName  xml.Name
	From     string `xml:"from,attr,omitempty"`
	To       string `xml:"to,attr,omitempty"`
	Type     string `xml:"type,attr,omitempty"`
	Priority int    `xml:"priority,omitempty"`
	Show     string `xml:"show,omitempty"`
}

// Message carries Jingle Message Initiation payloads.
type Message struct {
	XMLName xml.Name
	ID      string   `xml:"id,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Type    string   `xml:"type,attr,omitempty"`
	Propose *Propose `xml:"urn:xmpp:jingle-message:0 propose,omitempty"`
	Proceed *Propose `xml:"urn:xmpp:jingle-message:0 proceed,omitempty"`
	Retract *Propose `xml:"urn:xmpp:jingle-message:0 retract,omitempty"`
}

type Propose struct {
	ID           string        `xml:"id,attr"`
	Descriptions []Description `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
}
