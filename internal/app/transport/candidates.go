package transport

import (
	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
)

// ToWire converts a harvested candidate into its jingle form, stamped with
// the agent generation.
func ToWire(c core.IceCandidate, generation int) domain.Candidate {
	proto := c.Protocol
	if proto == "" {
		proto = "udp"
	}
	return domain.Candidate{
		Component:  c.Component,
		Foundation: c.Foundation,
		Generation: generation,
		ID:         c.ID,
		IP:         c.Address,
		Network:    0,
		Port:       c.Port,
		Priority:   c.Priority,
		Protocol:   proto,
		RelAddr:    c.RelAddr,
		RelPort:    c.RelPort,
		Type:       c.Type,
	}
}

func FromWire(c domain.Candidate) core.IceCandidate {
	return core.IceCandidate{
		Foundation: c.Foundation,
		Component:  c.Component,
		Protocol:   c.Protocol,
		Priority:   c.Priority,
		Address:    c.IP,
		Port:       c.Port,
		Type:       c.Type,
		RelAddr:    c.RelAddr,
		RelPort:    c.RelPort,
		ID:         c.ID,
	}
}
