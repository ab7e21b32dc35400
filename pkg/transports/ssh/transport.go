// Package ssh provides the SSH transport the deploy executor uses to reach
// freshly provisioned machines. One client serves one machine for the
// duration of a deploy; there is no pooling because the control plane
// touches each machine a handful of times per run.
package ssh

import (
	"context"
	"errors"
	"io/fs"
)

// Transport is the remote-operation surface the deployer depends on.
type Transport interface {
	// Connect establishes the SSH connection.
	Connect(ctx context.Context) error

	// Close releases the connection. Safe to call when not connected.
	Close() error

	// Run executes a command on the remote host and returns its output.
	Run(ctx context.Context, cmd string) (stdout, stderr string, err error)

	// WriteFile writes content to a remote path via SFTP, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, remotePath string, content []byte, mode fs.FileMode) error
}

// TransportError classifies a transport failure. Temporary errors are
// worth a retry at a higher level; auth errors are not.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return "ssh " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTemporaryError reports whether err is a transport failure worth
// retrying.
func IsTemporaryError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// IsAuthenticationError reports whether err is an SSH authentication
// failure.
func IsAuthenticationError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsAuthError
}
