package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Upload copies the tool host binary to remotePath over SFTP and marks it
// executable.
func (c *SSHClient) Upload(ctx context.Context, localPath, remotePath string) error {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remoteFile.Close()

	bytesWritten, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if err := sftpClient.Chmod(remotePath, 0o755); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to make host executable: %w", err)}
	}

	c.connMu.Lock()
	c.uploaded[remotePath] = true
	c.connMu.Unlock()

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", bytesWritten).
		Dur("duration", time.Since(startTime)).
		Msg("tool host uploaded")
	return nil
}

// removeUploaded deletes remotePath if Upload created it.
func (c *SSHClient) removeUploaded(remotePath string) error {
	c.connMu.Lock()
	uploaded := c.uploaded[remotePath]
	delete(c.uploaded, remotePath)
	c.connMu.Unlock()

	if !uploaded {
		return nil
	}

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return &TransportError{Op: "cleanup", Err: fmt.Errorf("failed to remove %s: %w", remotePath, err)}
	}
	return nil
}

func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient("sftp-init")
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
