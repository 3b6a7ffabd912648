package dropbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/ubuntu/decorate"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/time/rate"
)

// SFTPConfig holds the configuration of a drop reached over SFTP.
type SFTPConfig struct {
	Host string
	Port int
	User string

	// Password and KeyFile are tried in that order. At least one of them is required.
	Password string
	KeyFile  string
	// KnownHostsFile verifies the server host key. Host keys are not verified when empty.
	KnownHostsFile string

	// DialTimeout bounds the establishment of the SSH connection.
	DialTimeout time.Duration
	// RateLimit is the maximum number of remote operations per second. 0 means unlimited.
	RateLimit float64
}

// SFTP is a drop on a remote SFTP server.
//
// The connection is established on first use and re-established after a transport failure.
type SFTP struct {
	dial    func(ctx context.Context) (*sftp.Client, io.Closer, error)
	limiter *rate.Limiter

	mu     sync.Mutex
	client *sftp.Client
	conn   io.Closer

	log *slog.Logger
}

type sftpOptions struct {
	dial   func(ctx context.Context) (*sftp.Client, io.Closer, error)
	logger *slog.Logger
}

// SFTPOptions represents an optional function to override SFTP drop default values.
type SFTPOptions func(*sftpOptions)

// WithSFTPLogger sets the logger used by the SFTP drop.
func WithSFTPLogger(l *slog.Logger) SFTPOptions {
	return func(o *sftpOptions) {
		o.logger = l
	}
}

// NewSFTP returns a drop on the SFTP server described by cfg. No connection is made until the first operation.
func NewSFTP(cfg SFTPConfig, args ...SFTPOptions) (*SFTP, error) {
	opts := sftpOptions{
		logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	if opts.dial == nil {
		sshCfg, err := clientConfig(cfg, opts.logger)
		if err != nil {
			return nil, err
		}
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		opts.dial = func(ctx context.Context) (*sftp.Client, io.Closer, error) {
			return dialSFTP(ctx, addr, sshCfg)
		}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &SFTP{
		dial:    opts.dial,
		limiter: rate.NewLimiter(limit, 1),
		log:     opts.logger,
	}, nil
}

func clientConfig(cfg SFTPConfig, log *slog.Logger) (*ssh.ClientConfig, error) {
	if cfg.Host == "" {
		return nil, errors.New("sftp host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid sftp port %d", cfg.Port)
	}

	var auth []ssh.AuthMethod
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("could not read sftp private key: %v", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("could not parse sftp private key: %v", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("sftp password or private key is required")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // Opt-in through an empty known hosts file.
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("could not load known hosts: %v", err)
		}
		hostKeyCallback = cb
	} else {
		log.Warn("SFTP host key is not verified, set a known hosts file to verify it", "host", cfg.Host)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func dialSFTP(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*sftp.Client, io.Closer, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, nil, err
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, err
	}
	return client, sshClient, nil
}

// List returns the entries of dir.
func (s *SFTP) List(ctx context.Context, dir string) (files []FileInfo, err error) {
	defer decorate.OnError(&err, "could not list %q", dir)

	err = s.do(ctx, func(c *sftp.Client) error {
		entries, err := c.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			files = append(files, FileInfo{
				Name:    e.Name(),
				Size:    e.Size(),
				ModTime: e.ModTime(),
				Regular: e.Mode().IsRegular(),
			})
		}
		return nil
	})
	return files, err
}

// Fetch copies the content of remotePath to w.
func (s *SFTP) Fetch(ctx context.Context, remotePath string, w io.Writer) (err error) {
	defer decorate.OnError(&err, "could not fetch %q", remotePath)

	return s.do(ctx, func(c *sftp.Client) error {
		f, err := c.Open(remotePath)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(w, f)
		return err
	})
}

// Move renames src to dst, replacing dst if it exists.
func (s *SFTP) Move(ctx context.Context, src, dst string) (err error) {
	defer decorate.OnError(&err, "could not move %q to %q", src, dst)

	return s.do(ctx, func(c *sftp.Client) error {
		posixErr := c.PosixRename(src, dst)
		if posixErr == nil {
			return nil
		}

		// Plain SFTP renames refuse to replace an existing target.
		if _, err := c.Stat(dst); err == nil {
			if err := c.Remove(dst); err != nil {
				return errors.Join(posixErr, err)
			}
		}
		if err := c.Rename(src, dst); err != nil {
			return errors.Join(posixErr, err)
		}
		return nil
	})
}

// EnsureDir creates dir and its parents if they do not exist.
func (s *SFTP) EnsureDir(ctx context.Context, dir string) (err error) {
	defer decorate.OnError(&err, "could not create %q", dir)

	return s.do(ctx, func(c *sftp.Client) error {
		return c.MkdirAll(path.Clean(dir))
	})
}

// Close closes the current connection, if any.
func (s *SFTP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	if s.conn != nil {
		err = errors.Join(err, s.conn.Close())
	}
	s.client, s.conn = nil, nil
	return err
}

// do runs fn on a connected client, within the rate limit and the deadline of ctx.
// The connection is dropped when it fails, or when ctx is done before fn returns.
func (s *SFTP) do(ctx context.Context, fn func(*sftp.Client) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	c, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("could not connect to sftp server: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- fn(c) }()

	select {
	case err := <-done:
		if err != nil && isConnectionError(err) {
			s.log.Warn("SFTP connection lost, reconnecting on next operation", "err", err)
			s.drop(c)
		}
		return err
	case <-ctx.Done():
		// Closing the connection unblocks fn. The caller may reuse what fn writes to once we return.
		s.drop(c)
		<-done
		return ctx.Err()
	}
}

func (s *SFTP) connect(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	s.log.Debug("Connecting to SFTP server")
	client, conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client, s.conn = client, conn
	return client, nil
}

// drop closes c if it is still the current client.
func (s *SFTP) drop(c *sftp.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != c {
		return
	}
	_ = s.client.Close()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.client, s.conn = nil, nil
}

// isConnectionError reports whether err is a failure of the connection rather than a status returned by the server.
func isConnectionError(err error) bool {
	var status *sftp.StatusError
	switch {
	case errors.As(err, &status), errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return false
	}
	return true
}
