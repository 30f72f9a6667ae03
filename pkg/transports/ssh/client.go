package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError is a transport-layer failure.
type TransportError struct {
	// Op is the operation that failed, e.g. "connect" or "write".
	Op string

	Err error

	// IsTemporary marks failures worth retrying.
	IsTemporary bool

	// IsAuthError marks authentication failures.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client is an SSH connection with SFTP file operations. File
// operations require Connect first.
type Client struct {
	config *Config
	log    zerolog.Logger

	mu        sync.Mutex
	client    *ssh.Client
	sftp      *sftp.Client
	connected bool
}

// NewClient validates the config and returns an unconnected client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		log: logger.With().
			Str("component", "ssh-transport").
			Str("host", config.Host).
			Logger(),
	}, nil
}

// Connect establishes the SSH connection and the SFTP session. A live
// connection is reused; a dead one is replaced.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.client != nil {
		if err := c.healthCheck(); err == nil {
			return nil
		}
		c.log.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.log.Debug().Str("address", address).Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		conn.Close()
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return &TransportError{Op: "connect", Err: fmt.Errorf("failed to start sftp: %w", err)}
	}

	c.client = client
	c.sftp = sftpClient
	c.connected = true

	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(client)
	}
	return nil
}

// Disconnect closes the SFTP session and the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.connected = false
}

// Connected reports whether the client has an active connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) healthCheck() error {
	session, err := c.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}

func (c *Client) keepAlive(client *ssh.Client) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		alive := c.connected && c.client == client
		c.mu.Unlock()
		if !alive {
			return
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			c.log.Warn().Err(err).Msg("Keep-alive failed")
			return
		}
	}
}

func (c *Client) session() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.sftp == nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("not connected")}
	}
	return c.sftp, nil
}

// Stat returns remote file info. A missing file reports os.ErrNotExist
// through the sftp error.
func (c *Client) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	info, err := s.Stat(path)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// WriteFile creates or replaces a remote file with the given content
// and mode.
func (c *Client) WriteFile(ctx context.Context, path string, content []byte, mode fs.FileMode) error {
	s, err := c.session()
	if err != nil {
		return err
	}

	f, err := s.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return &TransportError{Op: "write", Err: err, IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "write", Err: err, IsTemporary: true}
	}

	if err := s.Chmod(path, mode); err != nil {
		return &TransportError{Op: "chmod", Err: err}
	}
	return nil
}

// Remove deletes a remote file.
func (c *Client) Remove(ctx context.Context, path string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	if err := s.Remove(path); err != nil {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// MkdirAll creates a remote directory and its parents.
func (c *Client) MkdirAll(ctx context.Context, path string) error {
	s, err := c.session()
	if err != nil {
		return err
	}
	if err := s.MkdirAll(path); err != nil {
		return &TransportError{Op: "mkdir", Err: err}
	}
	return nil
}

// Checksum streams a remote file through sha256 and returns the hex
// digest.
func (c *Client) Checksum(ctx context.Context, path string) (string, error) {
	s, err := c.session()
	if err != nil {
		return "", err
	}

	f, err := s.Open(path)
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: err}
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := copyWithContext(ctx, hash, f); err != nil {
		return "", &TransportError{Op: "checksum", Err: err, IsTemporary: true}
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// copyWithContext copies in chunks so cancellation takes effect between
// reads.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
