package ice

import (
	"fmt"
	"strings"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/pion/ice/v4"
)

func fromPion(c ice.Candidate, component int) core.IceCandidate {
	out := core.IceCandidate{
		Foundation: c.Foundation(),
		Component:  component,
		Protocol:   c.NetworkType().NetworkShort(),
		Priority:   c.Priority(),
		Address:    c.Address(),
		Port:       c.Port(),
		Type:       candidateType(c.Type()),
		ID:         c.ID(),
	}
	if rel := c.RelatedAddress(); rel != nil {
		out.RelAddr, out.RelPort = rel.Address, rel.Port
	}
	return out
}

func candidateType(t ice.CandidateType) domain.CandidateType {
	switch t {
	case ice.CandidateTypeServerReflexive:
		return domain.CandidateSrflx
	case ice.CandidateTypePeerReflexive:
		return domain.CandidatePrflx
	case ice.CandidateTypeRelay:
		return domain.CandidateRelay
	}
	return domain.CandidateHost
}

// toPion rebuilds a remote candidate through its SDP attribute form.
func toPion(c core.IceCandidate) (ice.Candidate, error) {
	proto := strings.ToLower(c.Protocol)
	if proto == "" {
		proto = "udp"
	}
	if proto != "udp" {
		return nil, fmt.Errorf("unsupported candidate protocol %q", c.Protocol)
	}
	if c.Foundation == "" || c.Address == "" {
		return nil, fmt.Errorf("incomplete candidate %+v", c)
	}
	typ := c.Type
	if typ == "" {
		typ = domain.CandidateHost
	}
	raw := fmt.Sprintf("%s %d %s %d %s %d typ %s", c.Foundation, c.Component, proto, c.Priority, c.Address, c.Port, typ)
	if c.RelAddr != "" {
		raw += fmt.Sprintf(" raddr %s rport %d", c.RelAddr, c.RelPort)
	}
	return ice.UnmarshalCandidate(raw)
}
