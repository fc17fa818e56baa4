// Package domain contains call-session entities and the Jingle/colibri wire
// model. Types here carry state and its invariants, no transport or IO.
package domain

import "github.com/google/uuid"

// SessionID is the Jingle sid correlating one negotiation.
type SessionID string

// NewSessionID generates a local sid for calls without pre-signaling.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
	MediaData  MediaType = "data"
)

func (m MediaType) Valid() bool {
	switch m {
	case MediaAudio, MediaVideo, MediaData:
		return true
	}
	return false
}

// DefaultPayloadTypes is the static payload list offered for a media type.
// Payloads are echoed opaquely, never negotiated.
func DefaultPayloadTypes(m MediaType) []PayloadType {
	switch m {
	case MediaAudio:
		return []PayloadType{
			{ID: 111, Name: "opus", ClockRate: 48000, Channels: 2,
				Parameters: []Parameter{{Name: "minptime", Value: "10"}, {Name: "useinbandfec", Value: "1"}}},
			{ID: 0, Name: "PCMU", ClockRate: 8000},
			{ID: 8, Name: "PCMA", ClockRate: 8000},
		}
	case MediaVideo:
		return []PayloadType{
			{ID: 100, Name: "VP8", ClockRate: 90000},
			{ID: 107, Name: "H264", ClockRate: 90000},
		}
	}
	return nil
}
