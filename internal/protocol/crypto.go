// ABOUTME: Session key handling shared by server and agents: OAEP key wrap, HKDF subkeys,
// ABOUTME: HMAC request proofs and XChaCha20-Poly1305 payload sealing

package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the length of a symmetric session key in bytes.
const SessionKeySize = 32

// NonceSize is the number of random bytes in a request nonce.
const NonceSize = 16

const (
	macInfo     = "coven-dispatch request mac v1"
	payloadInfo = "coven-dispatch payload v1"
)

// oaepLabel binds wrapped session keys to this protocol.
var oaepLabel = []byte("coven-dispatch session key")

// ErrInvalidKey is returned for key material of the wrong size.
var ErrInvalidKey = errors.New("invalid key size")

// SessionKeys are the subkeys derived from one session key.
type SessionKeys struct {
	MAC     []byte
	Payload []byte
}

// NewSessionKey returns a fresh random session key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("reading random key: %w", err)
	}
	return key, nil
}

// DeriveKeys expands a session key into independent MAC and payload keys.
func DeriveKeys(sessionKey []byte) (SessionKeys, error) {
	if len(sessionKey) != SessionKeySize {
		return SessionKeys{}, ErrInvalidKey
	}
	mac, err := expand(sessionKey, macInfo)
	if err != nil {
		return SessionKeys{}, err
	}
	payload, err := expand(sessionKey, payloadInfo)
	if err != nil {
		return SessionKeys{}, err
	}
	return SessionKeys{MAC: mac, Payload: payload}, nil
}

func expand(secret []byte, info string) ([]byte, error) {
	out := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("deriving %s: %w", info, err)
	}
	return out, nil
}

// WrapSessionKey encrypts a session key for the holder of pub using RSA-OAEP
// with SHA-256.
func WrapSessionKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, oaepLabel)
}

// UnwrapSessionKey reverses WrapSessionKey.
func UnwrapSessionKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, oaepLabel)
	if err != nil {
		return nil, err
	}
	if len(key) != SessionKeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// CanonicalRequest builds the byte string covered by a request signature:
//
//	METHOD \n PATH \n TIMESTAMP \n NONCE \n hex(sha256(body))
func CanonicalRequest(method, path string, timestamp int64, nonce string, body []byte) []byte {
	digest := sha256.Sum256(body)
	s := method + "\n" + path + "\n" + strconv.FormatInt(timestamp, 10) + "\n" + nonce + "\n" + hex.EncodeToString(digest[:])
	return []byte(s)
}

// Sign returns the hex HMAC-SHA256 of canonical under macKey.
func Sign(macKey, canonical []byte) string {
	m := hmac.New(sha256.New, macKey)
	m.Write(canonical)
	return hex.EncodeToString(m.Sum(nil))
}

// Verify checks a hex signature in constant time.
func Verify(macKey, canonical []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, macKey)
	m.Write(canonical)
	return hmac.Equal(m.Sum(nil), got)
}

// NewNonce returns a random hex request nonce.
func NewNonce() (string, error) {
	b := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("reading random nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SignRequest sets the authentication headers on an outgoing agent request.
// body must be the exact bytes sent.
func SignRequest(req *http.Request, agentID string, macKey, body []byte, now time.Time) error {
	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	ts := now.Unix()
	req.Header.Set(HeaderAgentID, agentID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, Sign(macKey, CanonicalRequest(req.Method, req.URL.Path, ts, nonce, body)))
	return nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305. The random nonce is
// prepended to the ciphertext.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("reading random nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a value produced by Seal.
func Open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, aad)
}
