package mock

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var ErrUnauthorized = fmt.Errorf("public key is not authorized")

// PublicKeyCallback authorizes inbound connections whose offered public key is
// one of 'allowedPubKeys'.
func PublicKeyCallback(allowedPubKeys ...ssh.PublicKey) PubKeyCallback {
	allowed := make([][]byte, 0, len(allowedPubKeys))
	for _, key := range allowedPubKeys {
		allowed = append(allowed, key.Marshal())
	}
	return func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		offered := key.Marshal()
		for _, a := range allowed {
			if bytes.Equal(a, offered) {
				return nil, nil
			}
		}
		return nil, ErrUnauthorized
	}
}

// RejectAll refuses every public key, useful for exercising authentication
// failures on the client side.
func RejectAll(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
	return nil, ErrUnauthorized
}
