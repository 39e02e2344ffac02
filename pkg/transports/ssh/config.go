package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
)

// Config describes the machine a remote tool host runs on.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod AuthMethod
	Password   string

	// PrivateKeyPath may start with ~/. When empty, Validate picks the first
	// of the usual keys found under ~/.ssh.
	PrivateKeyPath       string
	PrivateKeyPassphrase string

	// KnownHostsPath is consulted only with StrictHostKeyChecking. Without it
	// any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration

	// KeepAliveInterval of zero disables keep-alives. The connection is
	// considered dead after MaxKeepAliveRetries consecutive failures.
	KeepAliveInterval   time.Duration
	MaxKeepAliveRetries int

	// HostArgs are appended to the tool host command line.
	HostArgs []string
}

// defaultKeyNames are tried in order when no key path is configured.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// DefaultConfig returns key-authenticated settings for user@host with strict
// host key checking against ~/.ssh/known_hosts.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        "~/.ssh/known_hosts",
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		MaxKeepAliveRetries:   3,
	}
}

// Validate checks the settings and resolves the private key path.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return fmt.Errorf("user is required")
	case c.ConnectionTimeout <= 0:
		return fmt.Errorf("connection timeout must be positive")
	case c.KeepAliveInterval < 0:
		return fmt.Errorf("keep-alive interval must not be negative")
	}
	return c.validateAuth()
}

func (c *Config) validateAuth() error {
	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
		return nil
	case AuthMethodKey:
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.PrivateKeyPath == "" {
		for _, name := range defaultKeyNames {
			p := filepath.Join(homeDir(), ".ssh", name)
			if _, err := os.Stat(p); err == nil {
				c.PrivateKeyPath = p
				break
			}
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication and no default key found")
		}
	}
	c.PrivateKeyPath = expandHome(c.PrivateKeyPath)
	if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
		return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
	}
	return nil
}

// BuildSSHClientConfig turns the settings into an ssh.ClientConfig.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Some servers only offer keyboard-interactive for passwords.
		answer := func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		signer, err := c.loadSigner()
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
}

func (c *Config) loadSigner() (ssh.Signer, error) {
	pem, err := os.ReadFile(expandHome(c.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if c.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // opt-in via StrictHostKeyChecking=false
	}
	cb, err := knownhosts.New(expandHome(c.KnownHostsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.Getenv("HOME")
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(homeDir(), rest)
	}
	return path
}
