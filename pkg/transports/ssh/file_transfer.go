package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// fileTransfer handles SFTP operations on top of an SSHClient.
type fileTransfer struct {
	client *SSHClient
}

// UploadFile uploads a single file to the remote host via SFTP.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string) (*FileTransferResult, error) {
	return c.fileTransfer.uploadFile(ctx, localPath, remotePath)
}

// RemoveFile deletes a remote file.
func (c *SSHClient) RemoveFile(ctx context.Context, remotePath string) error {
	return c.fileTransfer.removeFile(ctx, remotePath)
}

// ListFiles returns the regular files in remoteDir.
func (c *SSHClient) ListFiles(ctx context.Context, remoteDir string) ([]RemoteFile, error) {
	return c.fileTransfer.listFiles(ctx, remoteDir)
}

// createSFTPClient creates a new SFTP client.
func (f *fileTransfer) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := f.client.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	return sftpClient, nil
}

// uploadFile writes to a partial file next to remotePath and renames it
// once the content is complete and its size checked.
func (f *fileTransfer) uploadFile(ctx context.Context, localPath string, remotePath string) (*FileTransferResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Msg("uploading file")

	localFile, err := os.Open(localPath)
	if err != nil {
		return nil, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	fileInfo, err := localFile.Stat()
	if err != nil {
		return nil, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to stat local file: %w", err),
		}
	}

	sftpClient, err := f.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	partial := remotePath + ".part"
	remoteFile, err := sftpClient.Create(partial)
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}

	hash := sha256.New()
	bytesWritten, err := copyWithContext(ctx, remoteFile, io.TeeReader(localFile, hash))
	closeErr := remoteFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && bytesWritten != fileInfo.Size() {
		err = fmt.Errorf("short upload: %d of %d bytes", bytesWritten, fileInfo.Size())
	}
	if err == nil {
		if remoteInfo, statErr := sftpClient.Stat(partial); statErr != nil {
			err = statErr
		} else if remoteInfo.Size() != fileInfo.Size() {
			err = fmt.Errorf("remote size %d does not match %d", remoteInfo.Size(), fileInfo.Size())
		}
	}
	if err == nil {
		err = sftpClient.PosixRename(partial, remotePath)
	}
	if err != nil {
		_ = sftpClient.Remove(partial)
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	finished := time.Now()
	result := &FileTransferResult{
		BytesTransferred: bytesWritten,
		Duration:         finished.Sub(startTime),
		Checksum:         hex.EncodeToString(hash.Sum(nil)),
		StartedAt:        startTime,
		FinishedAt:       finished,
	}

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", bytesWritten).
		Dur("duration", result.Duration).
		Msg("file uploaded successfully")

	return result, nil
}

func (f *fileTransfer) removeFile(_ context.Context, remotePath string) error {
	sftpClient, err := f.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{
			Op:  "remove",
			Err: fmt.Errorf("failed to remove %s: %w", remotePath, err),
		}
	}
	return nil
}

func (f *fileTransfer) listFiles(_ context.Context, remoteDir string) ([]RemoteFile, error) {
	sftpClient, err := f.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	entries, err := sftpClient.ReadDir(remoteDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &TransportError{
			Op:          "list",
			Err:         fmt.Errorf("failed to list %s: %w", remoteDir, err),
			IsTemporary: true,
		}
	}

	files := make([]RemoteFile, 0, len(entries))
	for _, e := range entries {
		if !e.Mode().IsRegular() {
			continue
		}
		files = append(files, RemoteFile{Name: e.Name(), Size: e.Size(), ModTime: e.ModTime()})
	}
	return files, nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
