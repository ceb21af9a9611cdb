// Package secretbox encrypts small secrets (SSH passwords of bulk jobs, the
// VPN auth key) with a passphrase using age scrypt recipients. Ciphertext is
// base64-encoded for storage in text columns and config files.
package secretbox

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/pkg/errors"
)

// DefaultWorkFactor is the scrypt work factor used for new ciphertexts.
const DefaultWorkFactor = 15

var ErrNoKey = errors.New("secretbox: passphrase is empty")

// Box encrypts and decrypts with one passphrase.
type Box struct {
	passphrase string
	workFactor int
}

// New returns a Box. workFactor <= 0 selects DefaultWorkFactor.
func New(passphrase string, workFactor int) (*Box, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrNoKey
	}
	if workFactor <= 0 {
		workFactor = DefaultWorkFactor
	}
	return &Box{passphrase: passphrase, workFactor: workFactor}, nil
}

// Encrypt returns base64 ciphertext of plaintext.
func (b *Box) Encrypt(plaintext string) (string, error) {
	recipient, err := age.NewScryptRecipient(b.passphrase)
	if err != nil {
		return "", errors.Wrap(err, "secretbox: create recipient failed")
	}
	recipient.SetWorkFactor(b.workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", errors.Wrap(err, "secretbox: create encryptor failed")
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", errors.Wrap(err, "secretbox: write plaintext failed")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "secretbox: finalize encryption failed")
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", errors.Wrap(err, "secretbox: decode base64 failed")
	}
	identity, err := age.NewScryptIdentity(b.passphrase)
	if err != nil {
		return "", errors.Wrap(err, "secretbox: create identity failed")
	}
	// accept any work factor up to the age default ceiling.
	identity.SetMaxWorkFactor(22)
	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return "", errors.Wrap(err, "secretbox: decrypt failed")
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", errors.Wrap(err, "secretbox: read plaintext failed")
	}
	return string(plaintext), nil
}
