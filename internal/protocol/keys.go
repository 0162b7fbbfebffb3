// ABOUTME: Parsing and fingerprinting of agent long-term RSA public keys
// ABOUTME: Accepts PEM PKIX, PEM PKCS#1 and OpenSSH authorized-key lines

package protocol

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// MinRSABits is the smallest accepted agent key modulus.
const MinRSABits = 2048

// ErrUnsupportedKey is returned for key material that is not an acceptable
// RSA public key.
var ErrUnsupportedKey = errors.New("unsupported public key")

// ParsePublicKey parses an agent public key in any accepted encoding.
func ParsePublicKey(text string) (*rsa.PublicKey, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnsupportedKey)
	}

	var pub *rsa.PublicKey
	if strings.HasPrefix(text, "ssh-") {
		sshKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		cryptoKey, ok := sshKey.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, sshKey.Type())
		}
		pub, ok = cryptoKey.CryptoPublicKey().(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, sshKey.Type())
		}
	} else {
		block, _ := pem.Decode([]byte(text))
		if block == nil {
			return nil, fmt.Errorf("%w: no PEM block", ErrUnsupportedKey)
		}
		switch block.Type {
		case "PUBLIC KEY":
			key, err := x509.ParsePKIXPublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
			}
			var ok bool
			pub, ok = key.(*rsa.PublicKey)
			if !ok {
				return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
			}
		case "RSA PUBLIC KEY":
			key, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
			}
			pub = key
		default:
			return nil, fmt.Errorf("%w: PEM type %q", ErrUnsupportedKey, block.Type)
		}
	}

	if pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: %d-bit modulus", ErrUnsupportedKey, pub.N.BitLen())
	}
	return pub, nil
}

// MarshalPublicKey returns the canonical PEM (PKIX) encoding of pub and its
// fingerprint, the hex SHA-256 of the DER bytes.
func MarshalPublicKey(pub *rsa.PublicKey) (pemText, fingerprint string, err error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshaling public key: %w", err)
	}
	sum := sha256.Sum256(der)
	pemText = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	return pemText, hex.EncodeToString(sum[:]), nil
}
