package mock

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var ErrUnauthorized = fmt.Errorf("credentials are not authorized")

// publicKeyCallback validates offered public keys against 'allowed'.
func publicKeyCallback(allowed ...ssh.PublicKey) func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
	marshaled := make([][]byte, len(allowed))
	for i := range allowed {
		marshaled[i] = allowed[i].Marshal()
	}
	return func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		offered := key.Marshal()
		for _, m := range marshaled {
			if bytes.Equal(m, offered) {
				return nil, nil
			}
		}
		return nil, ErrUnauthorized
	}
}

// emptyPasswordCallback accepts 'user' with an empty password, the way a
// debug-tweaks image accepts root.
func emptyPasswordCallback(user string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
		if conn.User() == user && len(password) == 0 {
			return nil, nil
		}
		return nil, ErrUnauthorized
	}
}
