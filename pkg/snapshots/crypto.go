package snapshots

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 100_000
	keySize       = aes.BlockSize
)

// snapshotKey holds the AES key derived from a snapshot password.
type snapshotKey struct {
	key      []byte
	verifier string
}

// deriveKey stretches password with the snapshot slug as salt. The first
// half of the output is the AES-128 key, the second half the verifier.
func deriveKey(password, slug string) *snapshotKey {
	out := pbkdf2.Key([]byte(password), []byte(slug), keyIterations, 2*keySize, sha256.New)
	return &snapshotKey{
		key:      out[:keySize],
		verifier: hex.EncodeToString(out[keySize:]),
	}
}

// matches compares the verifier in constant time.
func (k *snapshotKey) matches(verifier string) bool {
	return subtle.ConstantTimeCompare([]byte(k.verifier), []byte(verifier)) == 1
}

func (k *snapshotKey) stream(iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// encryptWriter writes a random IV to w and returns a writer encrypting
// everything after it. A nil key returns w unchanged.
func (k *snapshotKey) encryptWriter(w io.Writer) (io.Writer, error) {
	if k == nil {
		return w, nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	if _, err := w.Write(iv); err != nil {
		return nil, err
	}
	s, err := k.stream(iv)
	if err != nil {
		return nil, err
	}
	return &cipher.StreamWriter{S: s, W: w}, nil
}

// decryptReader is the counterpart of encryptWriter.
func (k *snapshotKey) decryptReader(r io.Reader) (io.Reader, error) {
	if k == nil {
		return r, nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("read iv: %w", err)
	}
	s, err := k.stream(iv)
	if err != nil {
		return nil, err
	}
	return &cipher.StreamReader{S: s, R: r}, nil
}

func (k *snapshotKey) encryptString(plain string) (string, error) {
	if k == nil {
		return plain, nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	s, err := k.stream(iv)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(iv)+len(plain))
	copy(out, iv)
	s.XORKeyStream(out[len(iv):], []byte(plain))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (k *snapshotKey) decryptString(enc string) (string, error) {
	if k == nil {
		return enc, nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	if len(raw) < aes.BlockSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	s, err := k.stream(raw[:aes.BlockSize])
	if err != nil {
		return "", err
	}
	out := make([]byte, len(raw)-aes.BlockSize)
	s.XORKeyStream(out, raw[aes.BlockSize:])
	return string(out), nil
}
