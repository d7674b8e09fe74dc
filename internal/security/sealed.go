package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for sealing credentials (OWASP minimum cost).
const (
	sealVersion  = 1
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	sealKeyLen   = 32
	sealSaltSize = 32
)

var sealAAD = []byte("nodelock-registry-credential")

// ErrSealedCredential is returned when a sealed credential cannot be opened.
var ErrSealedCredential = errors.New("sealed credential could not be opened")

// SealedCredential is the on-disk envelope for an encrypted registry credential.
type SealedCredential struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealCredential encrypts secret with a key derived from passphrase
// (scrypt, AES-256-GCM) and returns the JSON envelope.
func SealCredential(secret, passphrase []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret cannot be empty")
	}
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}

	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newSealAEAD(passphrase, salt, scryptN, scryptR, scryptP)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := SealedCredential{
		Version:    sealVersion,
		KDF:        "scrypt",
		N:          scryptN,
		R:          scryptR,
		P:          scryptP,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, secret, sealAAD),
	}
	return json.MarshalIndent(env, "", "  ")
}

// OpenSealedCredential decrypts an envelope produced by SealCredential.
func OpenSealedCredential(data, passphrase []byte) ([]byte, error) {
	var env SealedCredential
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %w", ErrSealedCredential, err)
	}
	if env.Version != sealVersion || env.KDF != "scrypt" {
		return nil, fmt.Errorf("%w: unsupported envelope version %d (%s)", ErrSealedCredential, env.Version, env.KDF)
	}

	gcm, err := newSealAEAD(passphrase, env.Salt, env.N, env.R, env.P)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealedCredential, err)
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrSealedCredential)
	}

	secret, err := gcm.Open(nil, env.Nonce, env.Ciphertext, sealAAD)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted file", ErrSealedCredential)
	}
	return secret, nil
}

// OpenSealedCredentialFile reads and decrypts a sealed credential file.
func OpenSealedCredentialFile(path string, passphrase []byte) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sealed credential: %w", err)
	}
	return OpenSealedCredential(data, passphrase)
}

// WriteSealedCredentialFile seals secret and writes it to path with 0600 permissions.
func WriteSealedCredentialFile(path string, secret, passphrase []byte) error {
	data, err := SealCredential(secret, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write sealed credential: %w", err)
	}
	return nil
}

func newSealAEAD(passphrase, salt []byte, n, r, p int) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, n, r, p, sealKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
