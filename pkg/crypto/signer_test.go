package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestSigner_Integrity(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	if signer.KeyID() != "key-1" {
		t.Errorf("KeyID = %q, want key-1", signer.KeyID())
	}

	msg := []byte("a1b2c3d4chainhash")

	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if sig == "" {
		t.Error("Signature empty")
	}

	valid, err := Verify(signer.PublicKey(), sig, msg)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !valid {
		t.Error("Valid signature rejected")
	}

	valid, _ = Verify(signer.PublicKey(), sig, []byte("tampered"))
	if valid {
		t.Error("Tampered message accepted")
	}
}

func TestSigner_SeedRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	orig := NewEd25519SignerFromKey(priv, "seed-key")

	restored, err := NewEd25519SignerFromSeedHex(orig.SeedHex(), "seed-key")
	if err != nil {
		t.Fatalf("restore from seed failed: %v", err)
	}
	if restored.PublicKey() != orig.PublicKey() {
		t.Error("restored signer has different public key")
	}

	sig, err := orig.Sign([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	valid, err := Verify(restored.PublicKey(), sig, []byte("payload"))
	if err != nil || !valid {
		t.Errorf("cross-verification failed: valid=%v err=%v", valid, err)
	}
}

func TestVerify_RejectsMalformedInputs(t *testing.T) {
	signer, err := NewEd25519Signer("key-2")
	if err != nil {
		t.Fatal(err)
	}
	sig, _ := signer.Sign([]byte("x"))

	if _, err := Verify("not base64!!", sig, []byte("x")); err == nil {
		t.Error("expected error for bad public key encoding")
	}
	if _, err := Verify(signer.PublicKey(), "not base64!!", []byte("x")); err == nil {
		t.Error("expected error for bad signature encoding")
	}
	if _, err := Verify("QUJD", sig, []byte("x")); err == nil {
		t.Error("expected error for truncated public key")
	}
}
