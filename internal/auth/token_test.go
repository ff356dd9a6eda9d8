package auth

import "testing"

func TestNewSessionToken(t *testing.T) {
	raw, digest, err := NewSessionToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if raw == "" || len(digest) != 64 {
		t.Fatalf("unexpected token %q digest %q", raw, digest)
	}
	if TokenDigest(raw) != digest {
		t.Fatalf("digest mismatch")
	}
	raw2, _, _ := NewSessionToken()
	if raw2 == raw {
		t.Fatalf("expected distinct tokens")
	}
}
