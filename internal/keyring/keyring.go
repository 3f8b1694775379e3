// Package keyring stores transport passwords (sudo, ssh) in the system
// keyring, keyed by configured host name.
package keyring

import (
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const serviceName = "lattice"

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error
)

func initKeyring() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		ring, ringErr = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,
				keyring.SecretServiceBackend,
				keyring.WinCredBackend,
				keyring.PassBackend,
			},
		})
	})
	return ring, ringErr
}

// SetPassword stores a password for the given host name.
func SetPassword(host, password string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("opening keyring: %w", err)
	}
	return kr.Set(keyring.Item{Key: host, Data: []byte(password)})
}

// GetPassword retrieves the password stored for host, empty when none is.
func GetPassword(host string) (string, error) {
	kr, err := initKeyring()
	if err != nil {
		return "", fmt.Errorf("opening keyring: %w", err)
	}
	item, err := kr.Get(host)
	if err == keyring.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("retrieving password: %w", err)
	}
	return string(item.Data), nil
}

// DeletePassword removes the stored password for host.
func DeletePassword(host string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("opening keyring: %w", err)
	}
	err = kr.Remove(host)
	if err == keyring.ErrKeyNotFound {
		return fmt.Errorf("no password stored for %q", host)
	}
	return err
}

// ListHosts returns every host name with a stored password.
func ListHosts() ([]string, error) {
	kr, err := initKeyring()
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return kr.Keys()
}
