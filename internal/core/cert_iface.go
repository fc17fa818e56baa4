package core

// CertificateProvider is the local DTLS certificate.
type CertificateProvider interface {
	// Fingerprint is the certificate fingerprint under the named hash
	// function, in colon separated upper-case hex.
	Fingerprint(hash string) (string, error)
	DefaultHash() string
}
