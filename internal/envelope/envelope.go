// Package envelope implements the encryption and compression layer applied
// uniformly to every payload crossing an adapter boundary:
// key derivation from a user passphrase, optional gzip compression, then
// AEAD encryption with a random nonce, wrapped in a small versioned header.
package envelope

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// DefaultKDFIterations follows the current OWASP guidance for
// PBKDF2-SHA256.
const DefaultKDFIterations = 600_000

// formatVersion is the one-byte version prefix carried on every envelope,
// so a future format change can be detected before parsing the rest of the
// header.
const formatVersion byte = 1

// saltSize is the length in bytes of a per-account PBKDF2 salt. The AEAD
// nonce size comes from the cipher itself (aead.NonceSize()).
const saltSize = 16

// KeyDeriver turns a user passphrase into a symmetric key, caching the
// derived key in memory so repeated envelope operations don't re-run PBKDF2
// on every call. The cache is invalidated by calling SetPassphrase again.
type KeyDeriver struct {
	iterations int

	mu         sync.Mutex
	passphrase string
	salt       []byte
	key        []byte
}

// NewKeyDeriver creates a KeyDeriver using DefaultKDFIterations.
func NewKeyDeriver() *KeyDeriver {
	return &KeyDeriver{iterations: DefaultKDFIterations}
}

// SetIterations overrides the PBKDF2 iteration count, for tests that can't
// afford 600,000 rounds per run.
func (k *KeyDeriver) SetIterations(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.iterations = n
	k.key = nil
}

// SetPassphrase sets the passphrase and per-account salt used to derive the
// key, invalidating any previously cached key.
func (k *KeyDeriver) SetPassphrase(passphrase string, salt []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.passphrase = passphrase
	k.salt = salt
	k.key = nil
}

// Key returns the derived 32-byte key, computing and caching it on first
// use (or after a passphrase change).
func (k *KeyDeriver) Key() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.key != nil {
		return k.key, nil
	}

	if k.passphrase == "" {
		return nil, fmt.Errorf("envelope: no passphrase set")
	}

	k.key = pbkdf2.Key([]byte(k.passphrase), k.salt, k.iterations, chacha20poly1305.KeySize, sha256.New)

	return k.key, nil
}

// NewSalt returns a fresh random per-account salt, generated once at
// account creation and then persisted alongside (never derived from)
// configuration.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("envelope: generating salt: %w", err)
	}

	return salt, nil
}

// Options controls which protection stages Seal applies.
type Options struct {
	Encrypt    bool
	Compress   bool
	KeyDeriver *KeyDeriver // required when Encrypt is true
}

// Seal wraps plaintext per Options, returning a self-describing envelope
// byte string: version byte, then flags, then (for encrypted envelopes) the
// nonce, then the payload.
func Seal(plaintext []byte, opts Options) ([]byte, error) {
	payload := plaintext

	if opts.Compress {
		compressed, err := gzipCompress(payload)
		if err != nil {
			return nil, fmt.Errorf("envelope: compressing: %w", err)
		}

		payload = compressed
	}

	var nonce []byte

	if opts.Encrypt {
		if opts.KeyDeriver == nil {
			return nil, fmt.Errorf("envelope: encryption requested with no key deriver")
		}

		key, err := opts.KeyDeriver.Key()
		if err != nil {
			return nil, fmt.Errorf("envelope: deriving key: %w", err)
		}

		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("envelope: constructing AEAD: %w", err)
		}

		nonce = make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("envelope: generating nonce: %w", err)
		}

		payload = aead.Seal(nil, nonce, payload, nil)
	}

	return encodeEnvelope(opts.Encrypt, opts.Compress, nonce, payload), nil
}

// Open reverses Seal. A non-nil deriver means the caller expects an
// encrypted envelope, a nil one an unencrypted envelope; it returns
// *MismatchError if the envelope's encryption flag doesn't match that
// expectation — an encryption-state mismatch, remedied only by the
// clean-slate flow.
func Open(envelope []byte, deriver *KeyDeriver) ([]byte, error) {
	encrypted, compressed, nonce, payload, err := decodeEnvelope(envelope)
	if err != nil {
		return nil, fmt.Errorf("envelope: decoding header: %w", err)
	}

	if !encrypted && deriver != nil {
		// The caller's config expects encryption but the remote payload was
		// written without it.
		return nil, &MismatchError{Expected: true, Got: false}
	}

	if encrypted {
		if deriver == nil {
			return nil, &MismatchError{Expected: false, Got: true}
		}

		key, err := deriver.Key()
		if err != nil {
			return nil, fmt.Errorf("envelope: deriving key: %w", err)
		}

		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("envelope: constructing AEAD: %w", err)
		}

		plain, err := aead.Open(nil, nonce, payload, nil)
		if err != nil {
			return nil, fmt.Errorf("envelope: decrypting: %w", err)
		}

		payload = plain
	}

	if compressed {
		plain, err := gzipDecompress(payload)
		if err != nil {
			return nil, fmt.Errorf("envelope: decompressing: %w", err)
		}

		payload = plain
	}

	return payload, nil
}

// MismatchError signals that an envelope's recorded encryption state does
// not match what the caller's configuration expects. It is remedied only by
// the clean-slate / server-wipe flow.
type MismatchError struct {
	Expected bool
	Got      bool
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("envelope: encryption state mismatch: expected encrypted=%v, got encrypted=%v", e.Expected, e.Got)
}

const (
	flagEncrypted  byte = 1 << 0
	flagCompressed byte = 1 << 1
)

// encodeEnvelope lays out: [version byte][flags byte][nonceLen uint16][nonce][payload].
// nonceLen is 0 for unencrypted envelopes.
func encodeEnvelope(encrypted, compressed bool, nonce, payload []byte) []byte {
	var flags byte
	if encrypted {
		flags |= flagEncrypted
	}

	if compressed {
		flags |= flagCompressed
	}

	var buf bytes.Buffer
	buf.WriteByte(formatVersion)
	buf.WriteByte(flags)

	var nonceLen [2]byte
	binary.BigEndian.PutUint16(nonceLen[:], uint16(len(nonce)))
	buf.Write(nonceLen[:])
	buf.Write(nonce)
	buf.Write(payload)

	return buf.Bytes()
}

func decodeEnvelope(data []byte) (encrypted, compressed bool, nonce, payload []byte, err error) {
	if len(data) < 4 {
		return false, false, nil, nil, fmt.Errorf("envelope too short: %d bytes", len(data))
	}

	version := data[0]
	if version != formatVersion {
		return false, false, nil, nil, fmt.Errorf("unsupported envelope version %d", version)
	}

	flags := data[1]
	nonceLen := binary.BigEndian.Uint16(data[2:4])

	rest := data[4:]
	if int(nonceLen) > len(rest) {
		return false, false, nil, nil, fmt.Errorf("envelope nonce length %d exceeds remaining data", nonceLen)
	}

	nonce = rest[:nonceLen]
	payload = rest[nonceLen:]
	encrypted = flags&flagEncrypted != 0
	compressed = flags&flagCompressed != 0

	return encrypted, compressed, nonce, payload, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
