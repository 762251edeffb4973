package ssh

// keys.go wraps 'crypto/ed25519' and the key parsing helpers of 'x/crypto/ssh'.
//
// Two kinds of key material flow through this package:
//   - provider-generated key pairs, where the cloud API hands us a PEM-encoded
//     private key once and we only ever need to parse it back ('ParseKey',
//     'LoadKey').
//   - locally generated ED25519 key pairs, whose public half is imported into
//     the provider and whose private half we marshal to the OpenSSH PEM format
//     ourselves ('NewED25519KeyPair').
//
// NOTE: 'x/crypto/ssh' has no 'PrivateKey' type. The 'Signer' interface fills
// that role for client authentication.

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	ErrKeyGen         = fmt.Errorf("failed to generate a 'crypto/ed25519' keypair")
	ErrPubKeyConv     = fmt.Errorf("failed to convert the 'ed25519.PublicKey' to 'ssh.PublicKey'")
	ErrPubKeyMarshal  = fmt.Errorf("failed to marshal the 'ssh.PublicKey' to OpenSSH format")
	ErrPrivKeyMarshal = fmt.Errorf("failed to marshal the 'ssh.PrivateKey' to OpenSSH format")
	ErrPEMEncode      = fmt.Errorf("failed to PEM-encode the ssh.PrivateKey")
)

// NewED25519KeyPair generates a fresh ED25519 public+private key pair.
func NewED25519KeyPair() (ED25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ED25519KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	return ED25519KeyPair{
		Public:  ED25519PublicKey{key: pub},
		Private: ED25519PrivateKey{key: priv},
	}, nil
}

type ED25519KeyPair struct {
	Public  ED25519PublicKey
	Private ED25519PrivateKey
}

type ED25519PublicKey struct {
	key ed25519.PublicKey
}

// Verify checks signature 'sig' over message 'msg'.
func (pubKey ED25519PublicKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(pubKey.key, msg, sig)
}

// ToSSH converts the key to an 'ssh.PublicKey'.
func (pubKey ED25519PublicKey) ToSSH() (ssh.PublicKey, error) {
	pub, err := ssh.NewPublicKey(pubKey.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPubKeyConv, err)
	}
	return pub, nil
}

// MarshalOpenSSH renders the key in the 'authorized_keys' format, which is
// also what EC2's ImportKeyPair accepts as public key material.
func (pubKey ED25519PublicKey) MarshalOpenSSH() ([]byte, error) {
	publicKey, err := pubKey.ToSSH()
	if err != nil {
		return nil, err
	}
	marshaled := ssh.MarshalAuthorizedKey(publicKey)
	if marshaled == nil {
		return nil, ErrPubKeyMarshal
	}
	return marshaled, nil
}

type ED25519PrivateKey struct {
	key ed25519.PrivateKey
}

// Sign signs 'msg' with plain ED25519 (no SHA-512 pre-hash).
func (privKey ED25519PrivateKey) Sign(msg []byte) ([]byte, error) {
	return privKey.key.Sign(rand.Reader, msg, crypto.Hash(0))
}

// MarshalOpenSSH renders the key as a PEM block with an 'OPENSSH PRIVATE KEY'
// header, the format 'ssh -i' and 'ParseKey' both read.
func (privKey ED25519PrivateKey) MarshalOpenSSH(comment string) ([]byte, error) {
	priv, err := ssh.MarshalPrivateKey(privKey.key, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivKeyMarshal, err)
	}
	encoded := pem.EncodeToMemory(priv)
	if encoded == nil {
		return nil, ErrPEMEncode
	}
	return encoded, nil
}

// ToSSH converts the key to an 'ssh.Signer'.
func (privKey ED25519PrivateKey) ToSSH() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(privKey.key)
}

var (
	ErrSSHFailedKeyParse = fmt.Errorf("failed to parse SSH private key")
	ErrKeyRead           = fmt.Errorf("failed to read SSH private key file")
)

// ParseKey parses 'key' as a PEM-encoded private key (PKCS#1 RSA, PKCS#8 or
// OpenSSH format).
//
// If 'phrase' is provided, the key is first parsed assuming encryption. If
// that fails because the key is not encrypted, the parse is retried without
// the passphrase.
func ParseKey(key, phrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrSSHFailedKeyParse)
	}
	if len(phrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, phrase)
		if err == nil {
			return signer, nil
		}
		if errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
		}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	return signer, nil
}

// LoadKey reads and parses an unencrypted private key file such as the
// '<key-pair-name>.pem' written during key pair provisioning.
func LoadKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyRead, err)
	}
	return ParseKey(data, nil)
}
