package domain

// TransportState is the per-content ICE negotiation record of one peer.
type TransportState struct {
	Name  string
	Media MediaType

	LocalUfrag  string
	LocalPwd    string
	RemoteUfrag string
	RemotePwd   string
	// RTCPMux is the remote mode: set by the first remote transport, and
	// later ones can only turn it on.
	RTCPMux bool

	RemoteFingerprints []Fingerprint

	// Started is set once connectivity establishment began for this stream.
	Started bool

	described     bool
	local         []Candidate
	localSeen     map[CandidateKey]struct{}
	pendingRemote []Candidate
	remoteSeen    map[CandidateKey]struct{}
	applied       int
}

func NewTransportState(name string, media MediaType) *TransportState {
	return &TransportState{
		Name:       name,
		Media:      media,
		localSeen:  make(map[CandidateKey]struct{}),
		remoteSeen: make(map[CandidateKey]struct{}),
	}
}

// AddLocal records local candidates as sent. After Started it refuses and
// returns false: late candidates must travel in a transport-info update.
func (t *TransportState) AddLocal(cands []Candidate) bool {
	if t.Started {
		return false
	}
	for _, c := range cands {
		if _, ok := t.localSeen[c.Key()]; ok {
			continue
		}
		t.localSeen[c.Key()] = struct{}{}
		t.local = append(t.local, c)
	}
	return true
}

func (t *TransportState) LocalCandidates() []Candidate {
	return append([]Candidate(nil), t.local...)
}

// AddRemote queues the remote transport's candidates that were not seen
// before and returns how many were new.
func (t *TransportState) AddRemote(tr *Transport) int {
	if tr == nil {
		return 0
	}
	if tr.Ufrag != "" {
		t.RemoteUfrag, t.RemotePwd = tr.Ufrag, tr.Pwd
	}
	if !t.described {
		t.RTCPMux = tr.RTCPMux != nil
		t.described = true
	} else if tr.RTCPMux != nil {
		t.RTCPMux = true
	}
	if len(tr.Fingerprints) > 0 {
		t.RemoteFingerprints = append([]Fingerprint(nil), tr.Fingerprints...)
	}
	added := 0
	for _, c := range tr.Candidates {
		if _, ok := t.remoteSeen[c.Key()]; ok {
			continue
		}
		t.remoteSeen[c.Key()] = struct{}{}
		t.pendingRemote = append(t.pendingRemote, c)
		added++
	}
	return added
}

// PendingRemote lists queued candidates without consuming them.
func (t *TransportState) PendingRemote() []Candidate {
	return append([]Candidate(nil), t.pendingRemote...)
}

// TakePendingRemote hands the queued candidates to the caller, which applies
// them to the agent.
func (t *TransportState) TakePendingRemote() []Candidate {
	out := t.pendingRemote
	t.pendingRemote = nil
	t.applied += len(out)
	return out
}

// RemoteCount is the number of distinct remote candidates seen.
func (t *TransportState) RemoteCount() int { return len(t.remoteSeen) }

// RemoteTransport renders the remote side as a wire transport including
// queued candidates.
func (t *TransportState) RemoteTransport() *Transport {
	tr := &Transport{
		Ufrag:        t.RemoteUfrag,
		Pwd:          t.RemotePwd,
		Fingerprints: append([]Fingerprint(nil), t.RemoteFingerprints...),
		Candidates:   append([]Candidate(nil), t.pendingRemote...),
	}
	if t.RTCPMux {
		tr.RTCPMux = &Empty{}
	}
	return tr
}
