package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the replication target authenticates us.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// Config describes one replication target reached over SSH.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod AuthMethod
	Password   string

	// PrivateKeyPath is read at connect time. PrivateKeyPassphrase is only
	// needed for encrypted keys.
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration

	// KeepAliveInterval of 0 disables keep-alives. The connection is
	// dropped after MaxKeepAliveRetries unanswered requests.
	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int
}

// DefaultConfig returns key authentication on port 22 checked against the
// user's known_hosts.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		MaxKeepAliveRetries:   3,
	}
}

// Validate returns the first problem found.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	switch {
	case c.ConnectionTimeout <= 0:
		return errors.New("connection timeout must be positive")
	case c.StrictHostKeyChecking && c.KnownHostsPath == "":
		return errors.New("known_hosts path is required for strict host key checking")
	}
	return nil
}

func (c *Config) validateAuth() error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			return errors.New("private key path is required for key authentication")
		}
		if _, err := os.Stat(c.PrivateKeyPath); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.AuthMethod == AuthMethodPassword {
		// NAS appliances often only offer keyboard-interactive.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil
	}

	pem, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	var signer ssh.Signer
	if c.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// Address returns host:port, bracketing IPv6 literals.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
