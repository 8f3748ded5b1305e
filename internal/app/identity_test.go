package app

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/parlorchat/parlor/internal/domain"
)

// testAuthority is a stand-in identity authority holding its own
// signing key.
type testAuthority struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newTestAuthority(t *testing.T) *testAuthority {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate authority key: %v", err)
	}
	return &testAuthority{pub: pub, priv: priv}
}

func (a *testAuthority) certificate(t *testing.T, sub domain.ExternalID, clientPub ed25519.PublicKey, issuer string) string {
	t.Helper()
	token, err := signToken(CertificateClaims{
		Issuer:    issuer,
		Subject:   sub,
		PublicKey: base64.StdEncoding.EncodeToString(clientPub),
		IssuedAt:  time.Now().Unix(),
	}, a.priv)
	if err != nil {
		t.Fatalf("sign certificate: %v", err)
	}
	return token
}

func clientAssertion(t *testing.T, priv ed25519.PrivateKey, sub domain.ExternalID, aud, nonce string) string {
	t.Helper()
	token, err := signToken(AssertionClaims{
		Subject:  sub,
		Audience: aud,
		Nonce:    nonce,
		IssuedAt: time.Now().Unix(),
	}, priv)
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return token
}

func newTestGate(t *testing.T, authority *testAuthority, issuer string) *AuthGate {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	return NewAuthGate(issuer, []ed25519.PublicKey{authority.pub}, priv)
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %s, got nil", code)
	}
	var se *domain.SignalError
	if !errors.As(err, &se) {
		t.Fatalf("error %v is not a SignalError", err)
	}
	if se.Code != code {
		t.Fatalf("error code = %s, want %s", se.Code, code)
	}
}

func TestVerifyCertificate(t *testing.T) {
	authority := newTestAuthority(t)
	gate := newTestGate(t, authority, "identity.example.org")
	clientPub, _, _ := ed25519.GenerateKey(nil)

	cert := authority.certificate(t, "ext1", clientPub, "identity.example.org")
	claims, err := gate.VerifyCertificate(cert)
	if err != nil {
		t.Fatalf("VerifyCertificate: %v", err)
	}
	if claims.Subject != "ext1" {
		t.Errorf("subject = %s, want ext1", claims.Subject)
	}
}

func TestVerifyCertificateRejectsUnknownAuthority(t *testing.T) {
	authority := newTestAuthority(t)
	rogue := newTestAuthority(t)
	gate := newTestGate(t, authority, "identity.example.org")
	clientPub, _, _ := ed25519.GenerateKey(nil)

	cert := rogue.certificate(t, "ext1", clientPub, "identity.example.org")
	_, err := gate.VerifyCertificate(cert)
	wantCode(t, err, domain.CodeIdentityFailed)
}

func TestVerifyCertificateRejectsWrongIssuer(t *testing.T) {
	authority := newTestAuthority(t)
	gate := newTestGate(t, authority, "identity.example.org")
	clientPub, _, _ := ed25519.GenerateKey(nil)

	cert := authority.certificate(t, "ext1", clientPub, "someone-else")
	_, err := gate.VerifyCertificate(cert)
	wantCode(t, err, domain.CodeIdentityFailed)
}

func TestVerifyCertificateRejectsExpired(t *testing.T) {
	authority := newTestAuthority(t)
	gate := newTestGate(t, authority, "identity.example.org")
	clientPub, _, _ := ed25519.GenerateKey(nil)

	token, err := signToken(CertificateClaims{
		Issuer:    "identity.example.org",
		Subject:   "ext1",
		PublicKey: base64.StdEncoding.EncodeToString(clientPub),
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}, authority.priv)
	if err != nil {
		t.Fatal(err)
	}
	_, err = gate.VerifyCertificate(token)
	wantCode(t, err, domain.CodeIdentityFailed)
}

func TestVerifyCertificateRejectsGarbage(t *testing.T) {
	authority := newTestAuthority(t)
	gate := newTestGate(t, authority, "identity.example.org")
	for _, token := range []string{"", "no-dot", "a.b", "!!!.!!!"} {
		if _, err := gate.VerifyCertificate(token); err == nil {
			t.Errorf("VerifyCertificate(%q) succeeded", token)
		}
	}
}

func TestVerifyAssertion(t *testing.T) {
	authority := newTestAuthority(t)
	gate := newTestGate(t, authority, "identity.example.org")
	clientPub, clientPriv, _ := ed25519.GenerateKey(nil)

	certToken := authority.certificate(t, "ext1", clientPub, "identity.example.org")
	cert, err := gate.VerifyCertificate(certToken)
	if err != nil {
		t.Fatal(err)
	}

	good := clientAssertion(t, clientPriv, "ext1", "chat.example.org", "nonce-1")
	if err := gate.VerifyAssertion(good, cert, "chat.example.org", "nonce-1"); err != nil {
		t.Fatalf("valid assertion rejected: %v", err)
	}

	cases := []struct {
		name  string
		token string
		host  string
		nonce string
	}{
		{"wrong audience", clientAssertion(t, clientPriv, "ext1", "other.example.org", "nonce-1"), "chat.example.org", "nonce-1"},
		{"wrong nonce", clientAssertion(t, clientPriv, "ext1", "chat.example.org", "nonce-2"), "chat.example.org", "nonce-1"},
		{"wrong subject", clientAssertion(t, clientPriv, "ext2", "chat.example.org", "nonce-1"), "chat.example.org", "nonce-1"},
	}
	for _, tc := range cases {
		if err := gate.VerifyAssertion(tc.token, cert, tc.host, tc.nonce); err == nil {
			t.Errorf("%s: assertion accepted", tc.name)
		}
	}

	// Signed by a key other than the certificate's.
	_, otherPriv, _ := ed25519.GenerateKey(nil)
	forged := clientAssertion(t, otherPriv, "ext1", "chat.example.org", "nonce-1")
	if err := gate.VerifyAssertion(forged, cert, "chat.example.org", "nonce-1"); err == nil {
		t.Error("assertion signed by wrong key accepted")
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	authority := newTestAuthority(t)
	gate := newTestGate(t, authority, "identity.example.org")

	m := domain.Member{ID: "u1", ExternalID: "ext1", Nickname: "alice"}
	token, err := gate.MintCredential(m, "chat.example.org", 3)
	if err != nil {
		t.Fatalf("MintCredential: %v", err)
	}
	claims, err := gate.VerifyCredential(token, 3)
	if err != nil {
		t.Fatalf("VerifyCredential: %v", err)
	}
	if claims.InternalID != "u1" || claims.ExternalID != "ext1" || claims.Nickname != "alice" ||
		claims.ServerHost != "chat.example.org" || claims.TokenVersion != 3 {
		t.Errorf("claims = %+v", claims)
	}
}

func TestCredentialVersionStale(t *testing.T) {
	authority := newTestAuthority(t)
	gate := newTestGate(t, authority, "identity.example.org")

	token, err := gate.MintCredential(domain.Member{ID: "u1", ExternalID: "ext1"}, "h", 3)
	if err != nil {
		t.Fatal(err)
	}
	_, err = gate.VerifyCredential(token, 4)
	wantCode(t, err, domain.CodeTokenStale)
}

func TestCredentialExpiry(t *testing.T) {
	authority := newTestAuthority(t)
	gate := newTestGate(t, authority, "identity.example.org")
	now := time.Unix(1000, 0)
	gate.now = func() time.Time { return now }

	token, err := gate.MintCredential(domain.Member{ID: "u1", ExternalID: "ext1"}, "h", 1)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(CredentialLifetime + time.Second)
	_, err = gate.VerifyCredential(token, 1)
	wantCode(t, err, domain.CodeTokenStale)
}

func TestCredentialWrongSigner(t *testing.T) {
	authority := newTestAuthority(t)
	gate := newTestGate(t, authority, "identity.example.org")
	other := newTestGate(t, authority, "identity.example.org")

	token, err := other.MintCredential(domain.Member{ID: "u1", ExternalID: "ext1"}, "h", 1)
	if err != nil {
		t.Fatal(err)
	}
	_, err = gate.VerifyCredential(token, 1)
	wantCode(t, err, domain.CodeAuthRequired)
}

func TestRequireRole(t *testing.T) {
	if err := RequireRole(domain.RoleAdmin, domain.RoleAdmin); err != nil {
		t.Errorf("admin vs admin: %v", err)
	}
	if err := RequireRole(domain.RoleOwner, domain.RoleAdmin); err != nil {
		t.Errorf("owner vs admin: %v", err)
	}
	err := RequireRole(domain.RoleMod, domain.RoleAdmin)
	wantCode(t, err, domain.CodeForbidden)
	err = RequireRole(domain.Role("bogus"), domain.RoleMember)
	wantCode(t, err, domain.CodeForbidden)
}

func TestParsePublicKey(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	got, err := ParsePublicKey(base64.StdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !pub.Equal(got) {
		t.Error("round-tripped key differs")
	}
	if _, err := ParsePublicKey("not base64 !!!"); err == nil {
		t.Error("garbage accepted")
	}
	if _, err := ParsePublicKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("wrong-length key accepted")
	}
}
