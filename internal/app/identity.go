package app

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/parlorchat/parlor/internal/domain"
)

// CredentialLifetime bounds how long an access credential is honored
// before the client must refresh.
const CredentialLifetime = 15 * time.Minute

// CertificateClaims is what a verified identity certificate asserts:
// a subject bound to a public key by the identity authority.
type CertificateClaims struct {
	Issuer       string            `json:"iss"`
	Subject      domain.ExternalID `json:"sub"`
	NicknameHint string            `json:"nickname,omitempty"`
	PublicKey    string            `json:"publicKey"`
	IssuedAt     int64             `json:"iat"`
	ExpiresAt    int64             `json:"exp,omitempty"`
}

// AssertionClaims is the proof-of-possession statement the client
// signs with the private key matching the certificate.
type AssertionClaims struct {
	Subject  domain.ExternalID `json:"sub"`
	Audience string            `json:"aud"`
	Nonce    string            `json:"nonce"`
	IssuedAt int64             `json:"iat"`
}

// CredentialClaims is the decoded access credential.
type CredentialClaims struct {
	ExternalID   domain.ExternalID `json:"externalUserId"`
	InternalID   domain.UserID     `json:"internalUserId"`
	Nickname     string            `json:"nickname"`
	ServerHost   string            `json:"serverHost"`
	TokenVersion int64             `json:"tokenVersion"`
	ExpiresAt    int64             `json:"exp"`
}

// AuthGate verifies identity material and mints access credentials.
// The token format is base64url(JSON payload) "." base64url(ed25519
// signature); only the protocol contract matters, not the envelope.
type AuthGate struct {
	issuer        string
	authorityKeys []ed25519.PublicKey
	signKey       ed25519.PrivateKey
	now           func() time.Time
}

func NewAuthGate(issuer string, authorityKeys []ed25519.PublicKey, signKey ed25519.PrivateKey) *AuthGate {
	return &AuthGate{
		issuer:        issuer,
		authorityKeys: authorityKeys,
		signKey:       signKey,
		now:           time.Now,
	}
}

// ParsePublicKey decodes a base64 ed25519 public key, the format
// authority keys use in config.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func signToken(claims any, key ed25519.PrivateKey) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	sig := ed25519.Sign(key, []byte(body))
	return body + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func splitToken(token string) (body string, sig []byte, err error) {
	i := strings.LastIndexByte(token, '.')
	if i < 0 {
		return "", nil, fmt.Errorf("malformed token")
	}
	sig, err = base64.RawURLEncoding.DecodeString(token[i+1:])
	if err != nil {
		return "", nil, fmt.Errorf("malformed signature")
	}
	return token[:i], sig, nil
}

func decodeClaims(body string, out any) error {
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return fmt.Errorf("malformed payload")
	}
	return json.Unmarshal(raw, out)
}

// VerifyCertificate checks the certificate signature against the
// trusted authority keys and returns its claims.
func (g *AuthGate) VerifyCertificate(token string) (CertificateClaims, error) {
	fail := domain.NewSignalError(domain.CodeIdentityFailed, "certificate verification failed")

	body, sig, err := splitToken(token)
	if err != nil {
		return CertificateClaims{}, fail
	}
	verified := false
	for _, key := range g.authorityKeys {
		if ed25519.Verify(key, []byte(body), sig) {
			verified = true
			break
		}
	}
	if !verified {
		return CertificateClaims{}, fail
	}

	var claims CertificateClaims
	if err := decodeClaims(body, &claims); err != nil {
		return CertificateClaims{}, fail
	}
	if g.issuer != "" && claims.Issuer != g.issuer {
		return CertificateClaims{}, fail
	}
	if claims.ExpiresAt != 0 && g.now().Unix() > claims.ExpiresAt {
		return CertificateClaims{}, fail
	}
	if claims.Subject == "" || claims.PublicKey == "" {
		return CertificateClaims{}, fail
	}
	return claims, nil
}

// VerifyAssertion checks the proof-of-possession assertion: signed by
// the certificate's key, addressed to this server, carrying the
// challenge nonce, and naming the certificate's subject.
func (g *AuthGate) VerifyAssertion(token string, cert CertificateClaims, serverHost, nonce string) error {
	fail := domain.NewSignalError(domain.CodeIdentityFailed, "assertion verification failed")

	pub, err := ParsePublicKey(cert.PublicKey)
	if err != nil {
		return fail
	}
	body, sig, err := splitToken(token)
	if err != nil {
		return fail
	}
	if !ed25519.Verify(pub, []byte(body), sig) {
		return fail
	}
	var claims AssertionClaims
	if err := decodeClaims(body, &claims); err != nil {
		return fail
	}
	if claims.Audience != serverHost || claims.Nonce != nonce || claims.Subject != cert.Subject {
		return fail
	}
	return nil
}

// MintCredential issues a signed access credential for an admitted
// member, snapshotting the current token version.
func (g *AuthGate) MintCredential(m domain.Member, serverHost string, tokenVersion int64) (string, error) {
	return signToken(CredentialClaims{
		ExternalID:   m.ExternalID,
		InternalID:   m.ID,
		Nickname:     m.Nickname,
		ServerHost:   serverHost,
		TokenVersion: tokenVersion,
		ExpiresAt:    g.now().Add(CredentialLifetime).Unix(),
	}, g.signKey)
}

// VerifyCredential validates an access credential against the current
// token version. Expired or version-stale credentials return
// token_stale so clients know to refresh rather than re-admit.
func (g *AuthGate) VerifyCredential(token string, currentVersion int64) (CredentialClaims, error) {
	body, sig, err := splitToken(token)
	if err != nil {
		return CredentialClaims{}, domain.NewSignalError(domain.CodeAuthRequired, "invalid credential")
	}
	if !ed25519.Verify(g.signKey.Public().(ed25519.PublicKey), []byte(body), sig) {
		return CredentialClaims{}, domain.NewSignalError(domain.CodeAuthRequired, "invalid credential")
	}
	var claims CredentialClaims
	if err := decodeClaims(body, &claims); err != nil {
		return CredentialClaims{}, domain.NewSignalError(domain.CodeAuthRequired, "invalid credential")
	}
	if g.now().Unix() > claims.ExpiresAt {
		return CredentialClaims{}, domain.NewSignalError(domain.CodeTokenStale, "credential expired")
	}
	if claims.TokenVersion != currentVersion {
		return CredentialClaims{}, domain.NewSignalError(domain.CodeTokenStale, "credential version superseded")
	}
	return claims, nil
}

// RequireRole enforces the moderation rank check.
func RequireRole(have, want domain.Role) error {
	if !have.AtLeast(want) {
		return domain.NewSignalError(domain.CodeForbidden,
			fmt.Sprintf("requires %s role", want))
	}
	return nil
}
