package printer

import (
	"crypto/tls"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
)

// cacheDir is the device's fixed remote cache directory for sliced files
const cacheDir = "/cache"

const ftpTimeout = 30 * time.Second

// TransferResult is the typed outcome of a bulk transfer operation.
// Failures carry a message; they are never silently dropped.
type TransferResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Bytes   int64  `json:"bytes"`
}

func transferFailure(format string, args ...interface{}) TransferResult {
	return TransferResult{OK: false, Message: fmt.Sprintf(format, args...)}
}

// RemoteFile is one entry in the device cache directory
type RemoteFile struct {
	Name string    `json:"name"`
	Size int64     `json:"size"`
	Time time.Time `json:"time"`
}

// dialFTP opens a fresh bulk-data session. The transfer channel is
// independent of the command channel and every operation is synchronous.
func (c *Client) dialFTP() (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.FTPPort)
	conn, err := ftp.Dial(addr,
		ftp.DialWithTimeout(ftpTimeout),
		// implicit TLS; the device presents a self-signed certificate
		ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}),
	)
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %w", addr, err)
	}
	if err := conn.Login(mqttUser, c.cfg.AccessCode); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return conn, nil
}

// Upload stores a local file in the device cache directory under
// remoteName. Blocking; returns a typed result rather than an error.
func (c *Client) Upload(localPath, remoteName string) TransferResult {
	info, err := os.Stat(localPath)
	if err != nil {
		return transferFailure("stat %s: %v", localPath, err)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return transferFailure("open %s: %v", localPath, err)
	}
	defer f.Close()

	conn, err := c.dialFTP()
	if err != nil {
		return transferFailure("%v", err)
	}
	defer conn.Quit()

	remote := path.Join(cacheDir, remoteName)
	if err := conn.Stor(remote, f); err != nil {
		return transferFailure("store %s: %v", remote, err)
	}
	c.logger.Info("file uploaded", "remote", remote, "bytes", info.Size())
	return TransferResult{
		OK:      true,
		Message: fmt.Sprintf("uploaded %s", remoteName),
		Bytes:   info.Size(),
	}
}

// ListFiles lists the device cache directory
func (c *Client) ListFiles() ([]RemoteFile, TransferResult) {
	conn, err := c.dialFTP()
	if err != nil {
		return nil, transferFailure("%v", err)
	}
	defer conn.Quit()

	entries, err := conn.List(cacheDir)
	if err != nil {
		return nil, transferFailure("list %s: %v", cacheDir, err)
	}
	var files []RemoteFile
	var total int64
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		files = append(files, RemoteFile{
			Name: e.Name,
			Size: int64(e.Size),
			Time: e.Time,
		})
		total += int64(e.Size)
	}
	return files, TransferResult{
		OK:      true,
		Message: fmt.Sprintf("%d files", len(files)),
		Bytes:   total,
	}
}

// DeleteFile removes a file from the device cache directory
func (c *Client) DeleteFile(remoteName string) TransferResult {
	conn, err := c.dialFTP()
	if err != nil {
		return transferFailure("%v", err)
	}
	defer conn.Quit()

	remote := path.Join(cacheDir, remoteName)
	if err := conn.Delete(remote); err != nil {
		return transferFailure("delete %s: %v", remote, err)
	}
	return TransferResult{OK: true, Message: fmt.Sprintf("deleted %s", remoteName)}
}
