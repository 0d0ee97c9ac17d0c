package vault

import (
	"strings"
	"testing"

	"snspilot/internal/storage"
)

func TestResolveRoundTrip(t *testing.T) {
	c, err := NewAESGCM("test-secret")
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}
	v := New(c)

	creds, _ := c.Encrypt("session-cookie-value")
	proxy, _ := c.Encrypt("socks5://127.0.0.1:1080")

	got, err := v.Resolve(storage.Account{ID: "acct-1", Credentials: creds, Proxy: proxy})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Secret != "session-cookie-value" {
		t.Fatalf("secret = %q", got.Secret)
	}
	if got.Proxy != "socks5://127.0.0.1:1080" {
		t.Fatalf("proxy = %q", got.Proxy)
	}
}

func TestResolveRejectsPlaintext(t *testing.T) {
	c, _ := NewAESGCM("test-secret")
	v := New(c)

	_, err := v.Resolve(storage.Account{ID: "acct-1", Credentials: "hunter2"})
	if err == nil {
		t.Fatalf("plaintext credentials must be rejected")
	}
	if !IsVaultError(err) {
		t.Fatalf("expected vault error, got %T", err)
	}
	if !strings.Contains(err.Error(), "acct-1") {
		t.Fatalf("error should name the account: %v", err)
	}
}

func TestResolveRejectsEmptyBundle(t *testing.T) {
	c, _ := NewAESGCM("test-secret")
	v := New(c)
	if _, err := v.Resolve(storage.Account{ID: "acct-1"}); !IsVaultError(err) {
		t.Fatalf("empty bundle must be a vault error, got %v", err)
	}
}

func TestResolveWrongKeyFails(t *testing.T) {
	c1, _ := NewAESGCM("key-one")
	c2, _ := NewAESGCM("key-two")

	creds, _ := c1.Encrypt("secret")
	v := New(c2)
	if _, err := v.Resolve(storage.Account{ID: "acct-1", Credentials: creds}); !IsVaultError(err) {
		t.Fatalf("decrypt under the wrong key must be a vault error, got %v", err)
	}
}

func TestCipherMarking(t *testing.T) {
	c, _ := NewAESGCM("test-secret")

	enc, err := c.Encrypt("value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !c.IsEncrypted(enc) {
		t.Fatalf("ciphertext not recognized: %q", enc)
	}
	if c.IsEncrypted("value") || c.IsEncrypted("") {
		t.Fatalf("plaintext misclassified as ciphertext")
	}

	// Random nonce: same plaintext never encrypts to the same blob.
	enc2, _ := c.Encrypt("value")
	if enc == enc2 {
		t.Fatalf("ciphertext must not be deterministic")
	}
}
