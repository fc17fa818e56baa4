package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Jingle/internal/app"
	"github.com/dkeye/Jingle/internal/app/transport"
	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

const wait = 2 * time.Second

func initiate(sid domain.SessionID, contents ...*domain.Content) *domain.Jingle {
	return &domain.Jingle{Action: domain.ActionSessionInitiate, SID: sid, Initiator: bob.String(), Contents: contents}
}

func transportInfo(sid domain.SessionID, contents ...*domain.Content) *domain.Jingle {
	return &domain.Jingle{Action: domain.ActionTransportInfo, SID: sid, Contents: contents}
}

func withPeer(t *testing.T, d *Dispatcher, sid domain.SessionID, fn func(*app.CallEntry, *domain.PeerNegotiation)) {
	t.Helper()
	found, err := d.Registry.WithExisting(sid, func(e *app.CallEntry) error {
		require.NotNil(t, e.Session)
		p := e.Session.PeerBySID(sid)
		require.NotNil(t, p)
		fn(e, p)
		return nil
	})
	require.NoError(t, err)
	require.True(t, found)
}

func reasonOf(iq *domain.IQ) domain.ReasonCondition {
	if iq.Jingle == nil || iq.Jingle.Reason == nil {
		return ""
	}
	return iq.Jingle.Reason.Condition
}

func TestEarlyCandidatesMergedIntoInitiate(t *testing.T) {
	d, st, _, rec := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleJingle(ctx, inbound(bob, transportInfo("s1", content("audio", cand("1", 4000)))))
	d.HandleJingle(ctx, inbound(bob, transportInfo("s1", content("audio", cand("1", 4000), cand("2", 4001)))))
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("3", 4002)))))

	withPeer(t, d, "s1", func(e *app.CallEntry, p *domain.PeerNegotiation) {
		assert.Equal(t, 3, p.Transports["audio"].RemoteCount())
		assert.True(t, e.Pending.Empty())
		assert.Equal(t, domain.PeerIncomingCall, p.State)
	})

	sent := st.sentIQs()
	require.Len(t, sent, 4)
	for _, iq := range sent[:3] {
		assert.Equal(t, stanza.ResultIQ, iq.Type)
	}
	require.NotNil(t, sent[3].Jingle)
	assert.Equal(t, domain.ActionSessionInfo, sent[3].Jingle.Action)
	assert.NotNil(t, sent[3].Jingle.Ringing)
	assert.True(t, rec.has(core.EventIncoming, "s1"))
}

func TestPendingCandidatesStayWithTheirSID(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleJingle(ctx, inbound(bob, transportInfo("s1", content("audio", cand("1", 4000)))))
	d.HandleJingle(ctx, inbound(bob, initiate("s2", content("audio", cand("9", 4100)))))

	withPeer(t, d, "s2", func(_ *app.CallEntry, p *domain.PeerNegotiation) {
		assert.Equal(t, 1, p.Transports["audio"].RemoteCount())
	})
	found, err := d.Registry.WithExisting("s1", func(e *app.CallEntry) error {
		assert.Nil(t, e.Session)
		assert.Equal(t, 1, e.Pending.Len())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDuplicateInitiateRejected(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("1", 4000)))))
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("1", 4000)))))

	sent := st.sentIQs()
	last := sent[len(sent)-1]
	require.Equal(t, stanza.ErrorIQ, last.Type)
	assert.Equal(t, stanza.UnexpectedRequest, last.Error.Condition)
}

func TestUnknownTerminateIsAcked(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	d.HandleJingle(context.Background(), inbound(bob, &domain.Jingle{
		Action: domain.ActionSessionTerminate,
		SID:    "ghost",
		Reason: &domain.Reason{Condition: domain.ReasonSuccess},
	}))

	sent := st.sentIQs()
	require.Len(t, sent, 1)
	assert.Equal(t, stanza.ResultIQ, sent[0].Type)
	assert.Equal(t, 0, d.Registry.Len())
}

func TestEncryptionRequiredDeclinesBeforeRinging(t *testing.T) {
	d, st, _, rec := newTestDispatcher(t, func(d *Dispatcher) {
		d.Dtls = transport.NewDtls(fakeCerts{}, nil, transport.EncryptionPolicy{DefaultEnabled: true, Required: true})
	})
	d.HandleJingle(context.Background(), inbound(bob, initiate("s1", content("audio", cand("1", 4000)))))

	terms := st.jingles(domain.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, domain.ReasonSecurityError, reasonOf(terms[0]))
	assert.Empty(t, st.jingles(domain.ActionSessionInfo))
	assert.False(t, rec.has(core.EventIncoming, "s1"))
	assert.True(t, rec.has(core.EventFailed, "s1"))
	assert.Equal(t, 0, d.Registry.Len())
}

func TestUnsupportedContentDeclined(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	d.HandleJingle(context.Background(), inbound(bob, initiate("s1", content("data", cand("1", 4000)))))

	terms := st.jingles(domain.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, domain.ReasonUnsupportedApplications, reasonOf(terms[0]))
}

func TestTransferWithUnknownAttendantDeclined(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	j := initiate("s1", content("audio", cand("1", 4000)))
	j.Transfer = &domain.Transfer{SID: "attended", From: carol.String(), To: alice.String()}
	d.HandleJingle(context.Background(), inbound(bob, j))

	terms := st.jingles(domain.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, domain.ReasonSecurityError, reasonOf(terms[0]))
	assert.Equal(t, 0, d.Registry.Len())
}

func TestAttendedTransferReplacesSession(t *testing.T) {
	d, st, _, rec := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleJingle(ctx, inbound(carol, initiate("att", content("audio", cand("1", 4000)))))
	j := initiate("s1", content("audio", cand("2", 4001)))
	j.Transfer = &domain.Transfer{SID: "att", From: carol.Bare().String(), To: alice.String()}
	d.HandleJingle(ctx, inbound(bob, j))

	require.Eventually(t, func() bool { return rec.has(core.EventConnected, "s1") }, wait, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, iq := range st.jingles(domain.ActionSessionTerminate) {
			if iq.Jingle.SID == "att" && reasonOf(iq) == domain.ReasonSuccess {
				return true
			}
		}
		return false
	}, wait, 10*time.Millisecond)
	assert.Len(t, st.jingles(domain.ActionSessionAccept), 1)
	assert.True(t, rec.has(core.EventTransferred, "att"))
}

func TestTransferRequestFromStrangerNotAuthorized(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("1", 4000)))))

	d.HandleJingle(ctx, inbound(carol, &domain.Jingle{
		Action:   domain.ActionSessionInfo,
		SID:      "s1",
		Transfer: &domain.Transfer{To: "dave@example.org"},
	}))
	sent := st.sentIQs()
	last := sent[len(sent)-1]
	require.Equal(t, stanza.ErrorIQ, last.Type)
	assert.Equal(t, stanza.NotAuthorized, last.Error.Condition)
}

func TestTransferRequestNamingOtherTransferor(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("1", 4000)))))

	d.HandleJingle(ctx, inbound(bob, &domain.Jingle{
		Action:   domain.ActionSessionInfo,
		SID:      "s1",
		Transfer: &domain.Transfer{From: carol.String(), To: "dave@example.org"},
	}))
	sent := st.sentIQs()
	last := sent[len(sent)-1]
	require.Equal(t, stanza.ErrorIQ, last.Type)
	assert.Equal(t, stanza.NotAuthorized, last.Error.Condition)

	assert.True(t, transferorMatches("", bob))
	assert.True(t, transferorMatches(bob.Bare().String(), bob))
	assert.False(t, transferorMatches(carol.Bare().String(), bob))
}

func TestSessionInfoForUnknownSession(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	d.HandleJingle(context.Background(), inbound(bob, &domain.Jingle{Action: domain.ActionSessionInfo, SID: "nope", Ringing: &domain.Empty{}}))
	sent := st.sentIQs()
	require.Len(t, sent, 1)
	assert.Equal(t, stanza.ItemNotFound, sent[0].Error.Condition)
}

func TestAnswerConnectsAndClearsBuffer(t *testing.T) {
	d, st, agents, rec := newTestDispatcher(t)
	ctx := context.Background()
	d.HandleJingle(ctx, inbound(bob, transportInfo("s1", content("audio", cand("1", 4000)))))
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio"))))

	require.NoError(t, d.Answer(ctx, "s1"))
	require.Eventually(t, func() bool { return rec.has(core.EventConnected, "s1") }, wait, 10*time.Millisecond)

	accepts := st.jingles(domain.ActionSessionAccept)
	require.Len(t, accepts, 1)
	acc := accepts[0].Jingle
	assert.Equal(t, alice.String(), acc.Responder)
	require.Len(t, acc.Contents, 1)
	require.NotNil(t, acc.Contents[0].Transport)
	assert.Equal(t, "lufrag", acc.Contents[0].Transport.Ufrag)
	assert.Len(t, acc.Contents[0].Transport.Candidates, 1)
	assert.Equal(t, 1, agents.starts())

	withPeer(t, d, "s1", func(e *app.CallEntry, p *domain.PeerNegotiation) {
		assert.Equal(t, domain.PeerConnected, p.State)
		assert.Equal(t, domain.CallConnected, e.Session.State)
		assert.True(t, e.Pending.Empty())
	})
	assert.Error(t, d.Answer(ctx, "s1"))
}

func TestAnswerEchoesDtlsFingerprint(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t, func(d *Dispatcher) {
		d.Dtls = transport.NewDtls(fakeCerts{}, nil, transport.EncryptionPolicy{DefaultEnabled: true, Required: true})
	})
	ctx := context.Background()
	d.HandleJingle(ctx, inbound(bob, initiate("s1", withFingerprint(content("audio", cand("1", 4000))))))
	require.NoError(t, d.Answer(ctx, "s1"))

	require.Eventually(t, func() bool { return len(st.jingles(domain.ActionSessionAccept)) == 1 }, wait, 10*time.Millisecond)
	fps := st.jingles(domain.ActionSessionAccept)[0].Jingle.Contents[0].Transport.Fingerprints
	require.Len(t, fps, 1)
	assert.Equal(t, "AA:BB", fps[0].Value)
	assert.Equal(t, domain.SetupActive, fps[0].Setup)
}

func TestAnswerFollowsPeerRTCPMux(t *testing.T) {
	d, st, agents, rec := newTestDispatcher(t)
	ctx := context.Background()
	c := content("audio", cand("1", 4000))
	c.Transport.RTCPMux = nil
	rtcp := cand("1", 4001)
	rtcp.Component = 2
	c.Transport.Candidates = append(c.Transport.Candidates, rtcp)
	d.HandleJingle(ctx, inbound(bob, initiate("s1", c)))

	withPeer(t, d, "s1", func(_ *app.CallEntry, p *domain.PeerNegotiation) {
		assert.False(t, p.Transports["audio"].RTCPMux)
	})
	require.NoError(t, d.Answer(ctx, "s1"))
	require.Eventually(t, func() bool { return rec.has(core.EventConnected, "s1") }, wait, 10*time.Millisecond)

	accepts := st.jingles(domain.ActionSessionAccept)
	require.Len(t, accepts, 1)
	tr := accepts[0].Jingle.Contents[0].Transport
	assert.False(t, tr.HasRTCPMux())
	components := make(map[int]bool)
	for _, c := range tr.Candidates {
		components[c.Component] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, components)

	agents.mu.Lock()
	agent := agents.agents[0]
	agents.mu.Unlock()
	agent.mu.Lock()
	stream := agent.streams["audio"]
	agent.mu.Unlock()
	require.NotNil(t, stream)
	assert.Equal(t, 1, stream.RemoteCandidateCount(2))
}

func TestConnectivityFailureTerminates(t *testing.T) {
	d, st, agents, rec := newTestDispatcher(t)
	agents.fail = true
	ctx := context.Background()
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("1", 4000)))))
	require.NoError(t, d.Answer(ctx, "s1"))

	require.Eventually(t, func() bool { return rec.has(core.EventFailed, "s1") }, wait, 10*time.Millisecond)
	terms := st.jingles(domain.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, domain.ReasonConnectivityError, reasonOf(terms[0]))
	assert.Equal(t, 0, d.Registry.Len())
}

func outboundDispatcher(t *testing.T, window time.Duration) (*Dispatcher, *fakeStanzas, *fakeAgents, *recorder) {
	return newTestDispatcher(t, func(d *Dispatcher) {
		d.Presence = fakePresence{roster: map[string][]core.Resource{
			bob.Bare().String(): {{Address: bob, Priority: 5}},
		}}
		d.Disco = fakeDisco{ok: true}
		d.Options.TransportWindow = window
	})
}

func accept(sid domain.SessionID, contents ...*domain.Content) *domain.Jingle {
	return &domain.Jingle{Action: domain.ActionSessionAccept, SID: sid, Responder: bob.String(), Contents: contents}
}

func TestOutgoingCallWaitsForEveryContent(t *testing.T) {
	d, st, agents, rec := outboundDispatcher(t, time.Minute)
	ctx := context.Background()

	sid, err := d.Initiate(ctx, bob.Bare(), []domain.MediaType{domain.MediaAudio, domain.MediaVideo})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(st.jingles(domain.ActionSessionInitiate)) == 1 }, wait, 10*time.Millisecond)
	offer := st.jingles(domain.ActionSessionInitiate)[0]
	assert.Equal(t, bob.String(), offer.To)
	require.Len(t, offer.Jingle.Contents, 2)

	d.HandleJingle(ctx, inbound(bob, accept(sid, content("audio"), content("video"))))
	d.HandleJingle(ctx, inbound(bob, transportInfo(sid, content("audio", cand("1", 4000)))))
	d.HandleJingle(ctx, inbound(bob, transportInfo(sid, content("audio", cand("2", 4001)))))

	withPeer(t, d, sid, func(_ *app.CallEntry, p *domain.PeerNegotiation) {
		assert.False(t, p.TransportApplied)
		assert.Equal(t, []string{"video"}, p.Awaiting())
	})
	assert.Zero(t, agents.starts())

	d.HandleJingle(ctx, inbound(bob, transportInfo(sid, content("video", cand("3", 4002)))))
	require.Eventually(t, func() bool { return rec.has(core.EventConnected, sid) }, wait, 10*time.Millisecond)
	withPeer(t, d, sid, func(_ *app.CallEntry, p *domain.PeerNegotiation) {
		assert.True(t, p.TransportApplied)
		assert.True(t, p.AcceptProcessed)
		assert.Equal(t, 2, p.Transports["audio"].RemoteCount())
	})
}

func TestTransportWindowForcesStart(t *testing.T) {
	d, st, _, rec := outboundDispatcher(t, 50*time.Millisecond)
	ctx := context.Background()

	sid, err := d.Initiate(ctx, bob.Bare(), []domain.MediaType{domain.MediaAudio, domain.MediaVideo})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(st.jingles(domain.ActionSessionInitiate)) == 1 }, wait, 10*time.Millisecond)

	d.HandleJingle(ctx, inbound(bob, accept(sid, content("audio", cand("1", 4000)), content("video"))))
	require.Eventually(t, func() bool { return rec.has(core.EventConnected, sid) }, wait, 10*time.Millisecond)
}

func TestAcceptDroppingAllContentFails(t *testing.T) {
	d, st, _, rec := outboundDispatcher(t, time.Minute)
	ctx := context.Background()
	sid, err := d.Initiate(ctx, bob.Bare(), []domain.MediaType{domain.MediaAudio})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(st.jingles(domain.ActionSessionInitiate)) == 1 }, wait, 10*time.Millisecond)

	d.HandleJingle(ctx, inbound(bob, accept(sid, content("video", cand("1", 4000)))))
	require.Eventually(t, func() bool { return rec.has(core.EventFailed, sid) }, wait, 10*time.Millisecond)
	terms := st.jingles(domain.ActionSessionTerminate)
	require.NotEmpty(t, terms)
	assert.Equal(t, domain.ReasonFailedApplication, reasonOf(terms[len(terms)-1]))
}

func TestInitiateErrors(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, func(d *Dispatcher) {
		d.Presence = fakePresence{roster: map[string][]core.Resource{
			bob.Bare().String(): {{Address: bob, Priority: 1}},
		}}
		d.Disco = fakeDisco{ok: false}
	})
	ctx := context.Background()

	_, err := d.Initiate(ctx, carol.Bare(), []domain.MediaType{domain.MediaAudio})
	require.ErrorIs(t, err, domain.ErrNotInRoster)

	_, err = d.Initiate(ctx, bob.Bare(), []domain.MediaType{domain.MediaAudio})
	require.ErrorIs(t, err, domain.ErrNoJingleSupport)

	_, err = d.Initiate(ctx, bob.Bare(), []domain.MediaType{domain.MediaData})
	require.ErrorIs(t, err, ErrNoMedia)
	assert.Equal(t, 0, d.Registry.Len())
}

func TestInitiateRejectedByPeer(t *testing.T) {
	d, st, _, rec := outboundDispatcher(t, time.Minute)
	st.respond = func(iq *domain.IQ) (*domain.IQ, error) {
		return iq.Fail(stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}), nil
	}
	sid, err := d.Initiate(context.Background(), bob.Bare(), []domain.MediaType{domain.MediaAudio})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.has(core.EventFailed, sid) }, wait, 10*time.Millisecond)
	assert.Empty(t, st.jingles(domain.ActionSessionTerminate))
	assert.Equal(t, 0, d.Registry.Len())
}

func TestHangup(t *testing.T) {
	d, st, _, rec := newTestDispatcher(t)
	ctx := context.Background()
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("1", 4000)))))

	require.NoError(t, d.Hangup(ctx, "s1", domain.HangupDecline))
	terms := st.jingles(domain.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, domain.ReasonDecline, reasonOf(terms[0]))
	assert.True(t, rec.has(core.EventEnded, "s1"))
	assert.Equal(t, 0, d.Registry.Len())

	require.ErrorIs(t, d.Hangup(ctx, "s1", domain.HangupNormal), domain.ErrUnknownSession)
}

func TestRemoteTerminateEndsCall(t *testing.T) {
	d, _, _, rec := newTestDispatcher(t)
	ctx := context.Background()
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("1", 4000)))))
	d.HandleJingle(ctx, inbound(bob, &domain.Jingle{
		Action: domain.ActionSessionTerminate,
		SID:    "s1",
		Reason: &domain.Reason{Condition: domain.ReasonFailedTransport},
	}))
	assert.True(t, rec.has(core.EventFailed, "s1"))
	assert.Equal(t, 0, d.Registry.Len())
}

func TestTerminateFromOtherPartyIgnored(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("1", 4000)))))
	d.HandleJingle(ctx, inbound(carol, &domain.Jingle{Action: domain.ActionSessionTerminate, SID: "s1"}))
	assert.Equal(t, 1, d.Registry.Len())
}

func TestRemovingLastContentEndsCall(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("1", 4000)), content("video", cand("2", 4001)))))

	d.HandleJingle(ctx, inbound(bob, &domain.Jingle{Action: domain.ActionContentRemove, SID: "s1", Contents: []*domain.Content{{Name: "video"}}}))
	assert.Equal(t, 1, d.Registry.Len())
	assert.Empty(t, st.jingles(domain.ActionSessionTerminate))

	d.HandleJingle(ctx, inbound(bob, &domain.Jingle{Action: domain.ActionContentRemove, SID: "s1", Contents: []*domain.Content{{Name: "audio"}}}))
	terms := st.jingles(domain.ActionSessionTerminate)
	require.Len(t, terms, 1)
	assert.Equal(t, domain.ReasonSuccess, reasonOf(terms[0]))
	assert.Equal(t, 0, d.Registry.Len())
}

func TestSourceAddAndRemove(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	d.HandleJingle(ctx, inbound(bob, initiate("s1", content("audio", cand("1", 4000)))))

	src := &domain.Content{Name: "audio", Description: &domain.Description{Media: domain.MediaAudio, Sources: []domain.Source{{SSRC: "1234"}, {SSRC: "5678"}}}}
	d.HandleJingle(ctx, inbound(bob, &domain.Jingle{Action: domain.ActionSourceAdd, SID: "s1", Contents: []*domain.Content{src}}))
	rm := &domain.Content{Name: "audio", Description: &domain.Description{Media: domain.MediaAudio, Sources: []domain.Source{{SSRC: "1234"}}}}
	d.HandleJingle(ctx, inbound(bob, &domain.Jingle{Action: domain.ActionSourceRemove, SID: "s1", Contents: []*domain.Content{rm}}))

	withPeer(t, d, "s1", func(_ *app.CallEntry, p *domain.PeerNegotiation) {
		assert.Equal(t, []domain.Source{{SSRC: "5678"}}, p.RemoteContent("audio").Description.Sources)
	})
}

func TestRingingMovesPeerToAlerting(t *testing.T) {
	d, st, _, rec := outboundDispatcher(t, time.Minute)
	ctx := context.Background()
	sid, err := d.Initiate(ctx, bob.Bare(), []domain.MediaType{domain.MediaAudio})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(st.jingles(domain.ActionSessionInitiate)) == 1 }, wait, 10*time.Millisecond)

	d.HandleJingle(ctx, inbound(bob, &domain.Jingle{Action: domain.ActionSessionInfo, SID: sid, Ringing: &domain.Empty{}}))
	assert.True(t, rec.has(core.EventRinging, sid))
	withPeer(t, d, sid, func(_ *app.CallEntry, p *domain.PeerNegotiation) {
		assert.Equal(t, domain.PeerAlertingRemoteSide, p.State)
	})
}

func TestMalformedSender(t *testing.T) {
	d, st, _, _ := newTestDispatcher(t)
	iq := inbound(jid.JID{}, initiate("s1", content("audio")))
	iq.From = "@@bad"
	d.HandleJingle(context.Background(), iq)
	sent := st.sentIQs()
	require.Len(t, sent, 1)
	assert.Equal(t, stanza.ErrorIQ, sent[0].Type)
}
