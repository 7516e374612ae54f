package keygen

import (
	"encoding/base64"
	"testing"
)

func TestGenerateAPIToken(t *testing.T) {
	token, err := GenerateAPIToken(32)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 32 {
		t.Fatalf("token %q decodes to %d bytes (%v)", token, len(raw), err)
	}

	other, _ := GenerateAPIToken(32)
	if other == token {
		t.Fatal("tokens repeat")
	}

	if _, err := GenerateAPIToken(8); err == nil {
		t.Fatal("short token accepted")
	}
}

func TestHashAndVerifyToken(t *testing.T) {
	hash, err := HashToken("s3cret-admin-token")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyToken(hash, "s3cret-admin-token") {
		t.Fatal("valid token rejected")
	}
	if VerifyToken(hash, "wrong") || VerifyToken(hash, "") || VerifyToken("", "s3cret-admin-token") {
		t.Fatal("invalid token accepted")
	}
}

func TestGenerateUUID(t *testing.T) {
	if id := GenerateUUID(); len(id) != 36 {
		t.Fatalf("uuid = %q", id)
	}
}
