package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssuerRoundTrip(t *testing.T) {
	issuer := NewIssuer([]byte("secret"), time.Hour)
	token, issued, err := issuer.Issue("usr_1", "ada@example.com")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims != issued || claims.Email != "ada@example.com" || !strings.HasPrefix(claims.JTI, "jti_") {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	issuer := NewIssuer([]byte("secret"), time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	token, _, err := issuer.Issue("usr_1", "ada@example.com")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := ParseToken([]byte("secret"), token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	secret := []byte("secret")
	token, err := IssueToken(secret, Claims{Sub: "usr_1", JTI: "j", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	cases := map[string]string{
		"other secret": token,
		"no signature": strings.Split(token, ".")[0],
		"extra part":   token + ".x",
		"empty":        "",
	}
	for name, candidate := range cases {
		key := secret
		if name == "other secret" {
			key = []byte("other")
		}
		if _, err := ParseToken(key, candidate); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := ParseToken(secret, token); err != nil {
		t.Fatalf("untampered token rejected: %v", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("a") != HashToken("a") || HashToken("a") == HashToken("b") || len(HashToken("a")) != 64 {
		t.Fatal("HashToken must be a stable sha256 hex digest")
	}
}
