package ssh

// Key handling for target logins. Images built with debug-tweaks accept an
// empty root password, but a key can be configured (ssh_key) for images that
// bake an authorized_keys file in. Tests use freshly generated ED25519 pairs
// for both the client and the mock target's host key.

import (
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
	ErrKeyGen            = fmt.Errorf("failed to generate an ed25519 keypair")
	ErrPubKeyConv        = fmt.Errorf("failed to convert the ed25519 public key to 'ssh.PublicKey'")
	ErrPubKeyMarshal     = fmt.Errorf("failed to marshal the public key to authorized_keys format")
	ErrPrivKeyMarshal    = fmt.Errorf("failed to marshal the private key to OpenSSH format")
	ErrSSHFailedKeyParse = fmt.Errorf("failed to parse SSH private key")
	ErrKeyRead           = fmt.Errorf("failed to read SSH private key")
)

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func NewKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

func (k KeyPair) Signer() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(k.Private)
}

func (k KeyPair) PublicKey() (ssh.PublicKey, error) {
	pub, err := ssh.NewPublicKey(k.Public)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPubKeyConv, err)
	}
	return pub, nil
}

// AuthorizedKey renders the public half as an authorized_keys line.
func (k KeyPair) AuthorizedKey() ([]byte, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return nil, err
	}
	line := ssh.MarshalAuthorizedKey(pub)
	if line == nil {
		return nil, ErrPubKeyMarshal
	}
	return line, nil
}

// PrivatePEM renders the private half in the OpenSSH PEM format that
// ParseKey (and ssh -i) accept.
func (k KeyPair) PrivatePEM(comment string) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(k.Private, comment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivKeyMarshal, err)
	}
	return pem.EncodeToMemory(block), nil
}

// ParseKey attempts to parse 'key' as a PEM-encoded private key.
//
// If 'phrase' is provided the key is first parsed as encrypted; if that
// fails with an incorrect password error it is retried as plaintext.
func ParseKey(key, phrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(phrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, phrase)
		if err == nil {
			return signer, nil
		}
		if !errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
		}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	return signer, nil
}

// LoadKey reads and parses an unencrypted private key file. An empty path
// returns a nil signer.
func LoadKey(path string) (ssh.Signer, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyRead, err)
	}
	return ParseKey(data, nil)
}
