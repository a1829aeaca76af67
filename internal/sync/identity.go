package sync

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// EnsureIdentityKeys loads the Ed25519 identity key pair at {keysDir}/identity.key,
// generating and persisting one if it does not yet exist.
func EnsureIdentityKeys(keysDir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	keyPath := filepath.Join(keysDir, "identity.key")

	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("create keys directory: %w", err)
	}

	if _, err := os.Stat(keyPath); err == nil {
		pub, priv, err := loadIdentityKeys(keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load identity keys: %w", err)
		}
		log.Printf("sync: loaded identity keys from %s (fingerprint: %s)", keyPath, Fingerprint(pub))
		return pub, priv, nil
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("stat key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	if err := saveIdentityKeys(keyPath, priv); err != nil {
		return nil, nil, fmt.Errorf("save identity keys: %w", err)
	}
	log.Printf("sync: generated identity keys at %s (fingerprint: %s)", keyPath, Fingerprint(pub))
	return pub, priv, nil
}

// Fingerprint computes the SHA-256 fingerprint of a public key, used for
// TOFU peer trust pinning.
func Fingerprint(pub ed25519.PublicKey) string {
	hash := sha256.Sum256(pub)
	return fmt.Sprintf("SHA256:%s", base64.StdEncoding.EncodeToString(hash[:]))
}

func loadIdentityKeys(keyPath string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pemData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, nil, fmt.Errorf("decode PEM block")
	}
	if block.Type != "ED25519 PRIVATE KEY" {
		return nil, nil, fmt.Errorf("unexpected PEM block type: %s", block.Type)
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse PKCS8 private key: %w", err)
	}
	priv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("private key is not Ed25519 (got %T)", privKey)
	}
	return priv.Public().(ed25519.PublicKey), priv, nil
}

func saveIdentityKeys(keyPath string, priv ed25519.PrivateKey) error {
	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal PKCS8 private key: %w", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: pkcs8Bytes})
	return os.WriteFile(keyPath, pemData, 0600)
}

// SignRequest signs the canonical payload of an outbound request and
// returns the base64 signature, or "" if priv is nil.
func SignRequest(method, path, body string, priv ed25519.PrivateKey) string {
	if priv == nil {
		return ""
	}
	sig := ed25519.Sign(priv, []byte(canonicalRequestPayload(method, path, body)))
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifyRequestSignature verifies a request signature against a peer's
// pinned public key. An empty signature is rejected unless pub is nil
// (no pinned key yet, first-contact status probes only).
func VerifyRequestSignature(method, path, body, sigB64 string, pub ed25519.PublicKey) bool {
	if pub == nil {
		return true
	}
	if sigB64 == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(canonicalRequestPayload(method, path, body)), sig)
}

func canonicalRequestPayload(method, path, body string) string {
	return fmt.Sprintf("%s|%s|%s", method, path, body)
}
