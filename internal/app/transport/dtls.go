package transport

import (
	"context"
	"strings"

	"github.com/dkeye/Jingle/internal/core"
	"github.com/dkeye/Jingle/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"mellium.im/xmpp/jid"
)

type EncryptionPolicy struct {
	DefaultEnabled bool
	Required       bool
}

// Dtls attaches DTLS-SRTP fingerprints to outgoing transports.
type Dtls struct {
	certs  core.CertificateProvider
	disco  core.Discoverer
	policy EncryptionPolicy
	logger zerolog.Logger
}

func NewDtls(certs core.CertificateProvider, disco core.Discoverer, policy EncryptionPolicy) *Dtls {
	return &Dtls{
		certs:  certs,
		disco:  disco,
		policy: policy,
		logger: log.With().Str("module", "transport.dtls").Logger(),
	}
}

// Required reports whether offers without a fingerprint must be declined.
func (d *Dtls) Required() bool { return d.policy.Required }

// Enabled reports whether DTLS-SRTP is used with peer.
func (d *Dtls) Enabled(ctx context.Context, peer jid.JID) bool {
	if !d.policy.DefaultEnabled || d.certs == nil {
		return false
	}
	if d.disco == nil {
		return true
	}
	ok, err := d.disco.Supports(ctx, peer, domain.NSDTLS)
	if err != nil {
		d.logger.Debug().Err(err).Str("peer", peer.String()).Msg("dtls feature query failed")
		return false
	}
	return ok
}

// Offer attaches the local fingerprint with setup actpass.
func (d *Dtls) Offer(local *domain.Transport) error {
	hash := d.certs.DefaultHash()
	fp, err := d.certs.Fingerprint(hash)
	if err != nil {
		return err
	}
	local.Fingerprints = []domain.Fingerprint{{Hash: hash, Setup: domain.SetupActPass, Value: fp}}
	return nil
}

// Answer replaces the remote fingerprint list, copied onto local when local
// has none, with local fingerprints for the same hashes and the complementary
// setup role.
func (d *Dtls) Answer(local, remote *domain.Transport) {
	if remote != nil && len(remote.Fingerprints) > 0 && len(local.Fingerprints) == 0 {
		local.Fingerprints = append([]domain.Fingerprint(nil), remote.Fingerprints...)
	}
	out := local.Fingerprints[:0]
	for _, f := range local.Fingerprints {
		fp, err := d.certs.Fingerprint(f.Hash)
		if err != nil {
			d.logger.Warn().Err(err).Str("hash", f.Hash).Msg("dropping fingerprint with unsupported hash")
			continue
		}
		out = append(out, domain.Fingerprint{Hash: strings.ToLower(f.Hash), Setup: answerSetup(f.Setup), Value: fp})
	}
	local.Fingerprints = out
}

func answerSetup(offered domain.Setup) domain.Setup {
	switch offered {
	case domain.SetupActive:
		return domain.SetupPassive
	default:
		return domain.SetupActive
	}
}

// RelayLocal sets the fingerprint of our relay-facing channel: active when the
// remote peer initiated the call, actpass otherwise.
func (d *Dtls) RelayLocal(t *domain.Transport, peerInitiator bool) error {
	hash := d.certs.DefaultHash()
	fp, err := d.certs.Fingerprint(hash)
	if err != nil {
		return err
	}
	setup := domain.SetupActPass
	if peerInitiator {
		setup = domain.SetupActive
	}
	t.Fingerprints = []domain.Fingerprint{{Hash: hash, Setup: setup, Value: fp}}
	return nil
}

// RelayRemote forwards the peer fingerprints onto the channel requested for
// that peer.
func (d *Dtls) RelayRemote(channel, remote *domain.Transport) {
	if remote == nil {
		return
	}
	channel.Fingerprints = append([]domain.Fingerprint(nil), remote.Fingerprints...)
}

// HasFingerprint reports whether any content of an offer carries one.
func HasFingerprint(contents []*domain.Content) bool {
	for _, c := range contents {
		if c.Transport != nil && len(c.Transport.Fingerprints) > 0 {
			return true
		}
	}
	return false
}
