package ssh

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	defaultPort           = 22
	defaultUser           = "root"
	defaultConnectTimeout = 30 * time.Second
	defaultCommandTimeout = 5 * time.Minute
)

// Config describes how to reach one machine over SSH.
type Config struct {
	// Host is the machine address, IP or hostname.
	Host string

	// Port defaults to 22.
	Port int

	// User defaults to root; provisioned images install the access key
	// for root.
	User string

	// PrivateKeyPath points at the PEM-encoded private key matching the
	// public key installed at instance creation.
	PrivateKeyPath string

	// PrivateKey holds the key material directly; wins over the path.
	PrivateKey []byte

	// ConnectTimeout bounds the TCP dial and handshake.
	ConnectTimeout time.Duration

	// CommandTimeout bounds one remote command.
	CommandTimeout time.Duration

	// HostKeyCallback defaults to accepting any host key. Ephemeral
	// machines get fresh host keys on every create, so pinning is only
	// possible when the caller records keys out of band.
	HostKeyCallback ssh.HostKeyCallback
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Port == 0 {
		out.Port = defaultPort
	}
	if out.User == "" {
		out.User = defaultUser
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = defaultConnectTimeout
	}
	if out.CommandTimeout == 0 {
		out.CommandTimeout = defaultCommandTimeout
	}
	if out.HostKeyCallback == nil {
		out.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}
	return &out
}

// Validate checks the config is complete enough to connect.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("ssh: host is required")
	}
	if len(c.PrivateKey) == 0 && c.PrivateKeyPath == "" {
		return fmt.Errorf("ssh: a private key or key path is required")
	}
	return nil
}

// clientConfig builds the x/crypto client config, loading and parsing the
// private key.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	key := c.PrivateKey
	if len(key) == 0 {
		data, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("ssh: read private key %s: %w", c.PrivateKeyPath, err)
		}
		key = data
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("ssh: parse private key: %w", err)
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: c.HostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// Address returns the host:port dial target.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
