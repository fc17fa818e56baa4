package domain

import "encoding/xml"

// Conference is the colibri conference IQ payload.
type Conference struct {
	XMLName  xml.Name          `xml:"http://jitsi.org/protocol/colibri conference"`
	ID       string            `xml:"id,attr,omitempty"`
	Contents []*ColibriContent `xml:"content"`
}

func (c *Conference) Content(name string) *ColibriContent {
	for _, cc := range c.Contents {
		if cc.Name == name {
			return cc
		}
	}
	return nil
}

// GetOrCreateContent returns the named content, appending it when missing.
func (c *Conference) GetOrCreateContent(name string) *ColibriContent {
	if cc := c.Content(name); cc != nil {
		return cc
	}
	cc := &ColibriContent{Name: name}
	c.Contents = append(c.Contents, cc)
	return cc
}

type ColibriContent struct {
	Name     string     `xml:"name,attr"`
	Channels []*Channel `xml:"channel"`
}

type Channel struct {
	ID           string        `xml:"id,attr,omitempty"`
	Endpoint     string        `xml:"endpoint,attr,omitempty"`
	Initiator    *bool         `xml:"initiator,attr,omitempty"`
	Expire       *int          `xml:"expire,attr,omitempty"`
	Direction    string        `xml:"direction,attr,omitempty"`
	PayloadTypes []PayloadType `xml:"payload-type"`
	Sources      []Source      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	Transport    *Transport    `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport,omitempty"`
}

// Expiring reports whether the channel carries the expire=0 teardown marker.
func (c *Channel) Expiring() bool { return c.Expire != nil && *c.Expire == 0 }
