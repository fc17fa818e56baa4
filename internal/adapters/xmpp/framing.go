package xmpp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/dkeye/Jingle/internal/domain"
)

// frame is one decoded websocket message: a stanza or an RFC 7395 framing
// element.
type frame struct {
	kind     string
	open     *framingOpen
	iq       *domain.IQ
	presence *domain.Presence
	message  *domain.Message
}

type framingOpen struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Version string   `xml:"version,attr,omitempty"`
	Lang    string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
}

type framingClose struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
}

var errEmptyFrame = errors.New("empty frame")

func decodeFrame(data []byte) (*frame, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, errEmptyFrame
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		f := &frame{kind: start.Name.Local}
		switch start.Name.Local {
		case "open":
			f.open = &framingOpen{}
			err = dec.DecodeElement(f.open, &start)
		case "close":
		case "iq":
			f.iq = &domain.IQ{}
			err = dec.DecodeElement(f.iq, &start)
		case "presence":
			f.presence = &domain.Presence{}
			err = dec.DecodeElement(f.presence, &start)
		case "message":
			f.message = &domain.Message{}
			err = dec.DecodeElement(f.message, &start)
		default:
			return nil, fmt.Errorf("unexpected element %s", start.Name.Local)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", start.Name.Local, err)
		}
		return f, nil
	}
}

func encode(v any) ([]byte, error) {
	return xml.Marshal(v)
}
