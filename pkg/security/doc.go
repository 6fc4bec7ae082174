/*
Package security issues and inspects the self-signed TLS certificate served by
the reverse proxy.

# Issuance

Issuer.Issue generates a fresh RSA key pair and a self-signed leaf certificate
whose Subject Alternative Name extension lists every subject name:

	issuer := security.NewIssuer(security.IssuerConfig{
		CertPath: "/etc/nginx/ssl/server.crt",
		KeyPath:  "/etc/nginx/ssl/server.key",
	}, nil)

	artifact, err := issuer.Issue("10.0.0.9", []string{"chat.home.arpa"}, 365)

Each name is typed: IP literals are encoded as IP SANs and everything else as
DNS SANs. Clients that check SAN types strictly (browsers, Go's crypto/tls)
reject an IP written as a DNS name.

Certificates are valid for a fixed window (365 days by default), backdated a
few minutes to tolerate clock skew. There is no renewal scheduler here; the
reconciler reissues on identity change, on force, and when LoadArtifact shows
the installed certificate no longer covers the identity or is within
DefaultRenewBefore of expiry.

# Installation

The key is written 0600 and the certificate 0644. Both are staged as temp
files in their target directories and only then renamed over the live files,
so an IssuanceError never leaves a deleted or half-written artifact behind. A
crash between the two renames can leave a new key next to an old certificate;
LoadArtifact then fails the key-pair check and the next pass reissues.
*/
package security
