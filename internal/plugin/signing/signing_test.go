package signing

import (
	"crypto/ed25519"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		t.Errorf("public key size = %d, want %d", len(pub), ed25519.PublicKeySize)
	}
	if len(priv) != ed25519.PrivateKeySize {
		t.Errorf("private key size = %d, want %d", len(priv), ed25519.PrivateKeySize)
	}

	pub2, priv2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("second GenerateKeyPair failed: %v", err)
	}
	if string(pub) == string(pub2) || string(priv) == string(priv2) {
		t.Error("generated identical key pairs across calls")
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	payload := []byte(`{"id":"u","version":"1.0.0"}`)
	sig := Sign("key-1", priv, payload)

	trusted := TrustStore{"key-1": pub}
	if err := Verify(sig, payload, trusted); err != nil {
		t.Fatalf("Verify failed for a valid signature: %v", err)
	}
}

func TestVerifyUnknownKeyID(t *testing.T) {
	_, priv, _ := GenerateKeyPair()
	payload := []byte("manifest bytes")
	sig := Sign("key-1", priv, payload)

	err := Verify(sig, payload, TrustStore{"key-2": ed25519.PublicKey(make([]byte, ed25519.PublicKeySize))})
	if err == nil {
		t.Fatal("expected verification to fail for an untrusted key id")
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	pub, priv, _ := GenerateKeyPair()
	sig := Sign("key-1", priv, []byte("original"))

	err := Verify(sig, []byte("tampered"), TrustStore{"key-1": pub})
	if err == nil {
		t.Fatal("expected verification to fail for a tampered payload")
	}
}

func TestVerifyMalformedSignature(t *testing.T) {
	pub, _, _ := GenerateKeyPair()
	err := Verify("not-a-signature", []byte("payload"), TrustStore{"key-1": pub})
	if err == nil {
		t.Fatal("expected verification to fail for a malformed signature string")
	}
}
