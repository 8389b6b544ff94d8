package keystore

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keystore seals deposit-address signing keys for storage. The ledger store
// only ever sees age ciphertext; the scrypt passphrase stays in config.
type Keystore struct {
	passphrase string
}

func New(passphrase string) (*Keystore, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("keystore passphrase must not be empty")
	}
	return &Keystore{passphrase: passphrase}, nil
}

// Seal encrypts a private key for persistence.
func (k *Keystore) Seal(key *ecdsa.PrivateKey) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(k.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}

	buf := &bytes.Buffer{}
	w, err := age.Encrypt(buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("initializing encryption: %w", err)
	}
	if _, err := w.Write([]byte(hex.EncodeToString(crypto.FromECDSA(key)))); err != nil {
		return nil, fmt.Errorf("writing encrypted key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Open decrypts a sealed private key.
func (k *Keystore) Open(ciphertext []byte) (*ecdsa.PrivateKey, error) {
	identity, err := age.NewScryptIdentity(k.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("initializing decryption: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted key: %w", err)
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()

	return crypto.HexToECDSA(string(plaintext))
}
