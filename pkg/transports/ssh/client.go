package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client implements Transport over one SSH connection.
type Client struct {
	config *Config
	log    zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewClient creates a client for one machine. Connect must be called
// before Run or WriteFile.
func NewClient(cfg *Config, log zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		config: cfg.withDefaults(),
		log:    log.With().Str("host", cfg.Host).Logger(),
	}, nil
}

// Connect dials the machine and completes the SSH handshake. Calling
// Connect on a live connection is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.clientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address())
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.config.Address(), clientConfig)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return &TransportError{Op: "connect", Err: err, IsAuthError: true}
		}
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.log.Debug().Msg("ssh connection established")
	return nil
}

// Close implements Transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

// Run implements Transport. The command is bounded by the configured
// command timeout and the context, whichever fires first; on timeout the
// session is torn down, which kills the remote process for most daemons.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	client, err := c.conn()
	if err != nil {
		return "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", &TransportError{Op: "run", Err: fmt.Errorf("create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Close()
		return stdout.String(), stderr.String(), &TransportError{
			Op:          "run",
			Err:         fmt.Errorf("command timed out after %s: %s", time.Since(start).Round(time.Second), firstLine(cmd)),
			IsTemporary: true,
		}
	}

	c.log.Debug().Str("command", firstLine(cmd)).Dur("duration", time.Since(start)).Msg("command finished")

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), &TransportError{
				Op:  "run",
				Err: fmt.Errorf("command exited %d: %s", exitErr.ExitStatus(), strings.TrimSpace(stderr.String())),
			}
		}
		return stdout.String(), stderr.String(), &TransportError{Op: "run", Err: err, IsTemporary: true}
	}
	return stdout.String(), stderr.String(), nil
}

// WriteFile implements Transport.
func (c *Client) WriteFile(ctx context.Context, remotePath string, content []byte, mode fs.FileMode) error {
	client, err := c.conn()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "sftp", Err: fmt.Errorf("create sftp client: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "sftp", Err: err}
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{Op: "sftp", Err: fmt.Errorf("create %s: %w", dir, err), IsTemporary: true}
		}
	}

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "sftp", Err: fmt.Errorf("create %s: %w", remotePath, err), IsTemporary: true}
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return &TransportError{Op: "sftp", Err: fmt.Errorf("write %s: %w", remotePath, err), IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "sftp", Err: fmt.Errorf("close %s: %w", remotePath, err), IsTemporary: true}
	}
	if err := sftpClient.Chmod(remotePath, mode); err != nil {
		return &TransportError{Op: "sftp", Err: fmt.Errorf("chmod %s: %w", remotePath, err)}
	}

	c.log.Debug().Str("path", remotePath).Int("bytes", len(content)).Msg("file written")
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

