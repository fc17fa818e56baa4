package domain

import "sort"

// typeRank orders candidates so related-address back references resolve:
// host before reflexive before relayed.
func typeRank(t CandidateType) int {
	switch t {
	case CandidateHost:
		return 0
	case CandidateSrflx, CandidatePrflx:
		return 1
	case CandidateRelay:
		return 2
	}
	return 3
}

// SortCandidates returns a copy sorted host < srflx/prflx < relay, keeping the
// received order within a type.
func SortCandidates(in []Candidate) []Candidate {
	out := append([]Candidate(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		return typeRank(out[i].Type) < typeRank(out[j].Type)
	})
	return out
}

// MergeCandidates appends the candidates of add missing from dst.
func MergeCandidates(dst, add []Candidate) []Candidate {
	seen := make(map[CandidateKey]struct{}, len(dst)+len(add))
	for _, c := range dst {
		seen[c.Key()] = struct{}{}
	}
	for _, c := range add {
		if _, ok := seen[c.Key()]; ok {
			continue
		}
		seen[c.Key()] = struct{}{}
		dst = append(dst, c)
	}
	return dst
}

// MergeTransport folds src into dst: candidates are unioned (dedup by
// component, foundation, address and port), credentials and fingerprints are
// taken from src when dst has none.
func MergeTransport(dst, src *Transport) *Transport {
	if src == nil {
		return dst
	}
	if dst == nil {
		return src.Clone()
	}
	if dst.Ufrag == "" {
		dst.Ufrag, dst.Pwd = src.Ufrag, src.Pwd
	}
	if dst.RTCPMux == nil && src.RTCPMux != nil {
		dst.RTCPMux = &Empty{}
	}
	if len(dst.Fingerprints) == 0 {
		dst.Fingerprints = append([]Fingerprint(nil), src.Fingerprints...)
	}
	dst.Candidates = MergeCandidates(dst.Candidates, src.Candidates)
	return dst
}
