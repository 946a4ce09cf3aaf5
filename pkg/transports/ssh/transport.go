// Package ssh uploads files to a remote host over SFTP. The supervisor
// uses it to keep off-site copies of snapshot archives.
package ssh

import (
	"context"
	"time"
)

// Transport defines the remote file operations used for replication.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	// Returns an error if connection fails or authentication is rejected.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// UploadFile copies a local file to remotePath. The file only appears
	// under remotePath once it is complete.
	UploadFile(ctx context.Context, localPath string, remotePath string) (*FileTransferResult, error)

	// RemoveFile deletes a remote file. A missing file is not an error.
	RemoveFile(ctx context.Context, remotePath string) error

	// ListFiles returns the regular files in a remote directory.
	ListFiles(ctx context.Context, remoteDir string) ([]RemoteFile, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// RemoteFile describes a file on the remote host.
type RemoteFile struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	// Duration is the time taken for the transfer
	Duration time.Duration

	// Checksum is the SHA256 checksum of the transferred content
	Checksum string

	// StartedAt is when the transfer started
	StartedAt time.Time

	// FinishedAt is when the transfer completed
	FinishedAt time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
