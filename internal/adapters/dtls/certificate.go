// Package dtls holds the local DTLS-SRTP certificate advertised in Jingle
// fingerprints.
package dtls

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/dtls/v3/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const DefaultHash = "sha-256"

// Certificate is a self-signed certificate generated at startup.
type Certificate struct {
	cert   *x509.Certificate
	webrtc webrtc.Certificate

	mu    sync.Mutex
	cache map[string]string
}

func Generate() (*Certificate, error) {
	tc, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	if len(tc.Certificate) == 0 {
		return nil, errors.New("generated certificate is empty")
	}
	cert, err := x509.ParseCertificate(tc.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	c := &Certificate{
		cert:   cert,
		webrtc: webrtc.CertificateFromX509(tc.PrivateKey, cert),
		cache:  make(map[string]string),
	}
	fp, err := c.Fingerprint(DefaultHash)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "adapters.dtls").Str("fingerprint", fp).Time("expires", cert.NotAfter).Msg("dtls certificate ready")
	return c, nil
}

// Fingerprint computes the fingerprint under hash, e.g. "sha-256".
func (c *Certificate) Fingerprint(hash string) (string, error) {
	key := strings.ToLower(hash)
	c.mu.Lock()
	defer c.mu.Unlock()
	if fp, ok := c.cache[key]; ok {
		return fp, nil
	}
	algo, err := fingerprint.HashFromString(key)
	if err != nil {
		return "", fmt.Errorf("hash %q: %w", hash, err)
	}
	fp, err := fingerprint.Fingerprint(c.cert, algo)
	if err != nil {
		return "", err
	}
	fp = strings.ToUpper(fp)
	c.cache[key] = fp
	return fp, nil
}

func (c *Certificate) DefaultHash() string { return DefaultHash }

// WebRTC is the same certificate for a pion media engine terminating the
// DTLS handshake.
func (c *Certificate) WebRTC() webrtc.Certificate { return c.webrtc }
