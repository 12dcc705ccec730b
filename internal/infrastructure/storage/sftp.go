package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/forgeflow/backend/internal/core/ports"
	"github.com/forgeflow/backend/pkg/utils/crypto"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const SchemeSFTP = "sftp"

var (
	ErrSSHConnection     = errors.New("sftp: connection failed")
	ErrSSHAuthentication = errors.New("sftp: authentication failed")
)

type SFTPConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	BaseDir    string
	Timeout    time.Duration
	MaxRetries int
	// EncryptionKey opens Password and PrivateKey when they are sealed
	// ("enc:v1:..."); plaintext values are used as given.
	EncryptionKey string
}

// Setting names sealed credentials are bound to.
const (
	SettingSFTPPassword   = "artifacts.sftp.password"
	SettingSFTPPrivateKey = "artifacts.sftp.private_key"
)

// SealableSettings lists the settings that accept sealed values.
var SealableSettings = []string{SettingSFTPPassword, SettingSFTPPrivateKey}

// SFTP stores artifacts on a remote host. The ssh connection is opened
// lazily and reopened after a failure.
type SFTP struct {
	config SFTPConfig

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

func NewSFTP(cfg SFTPConfig) (*SFTP, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("sftp: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "artifacts"
	}
	var err error
	if cfg.Password, err = crypto.OpenSecret(cfg.Password, cfg.EncryptionKey, SettingSFTPPassword); err != nil {
		return nil, fmt.Errorf("%w: open password: %v", ErrSSHAuthentication, err)
	}
	if cfg.PrivateKey, err = crypto.OpenSecret(cfg.PrivateKey, cfg.EncryptionKey, SettingSFTPPrivateKey); err != nil {
		return nil, fmt.Errorf("%w: open private key: %v", ErrSSHAuthentication, err)
	}
	s := &SFTP{config: cfg}
	if _, err := s.authMethods(); err != nil {
		return nil, err
	}
	return s, nil
}

var _ ports.ArtifactStorage = (*SFTP)(nil)

func (s *SFTP) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if s.config.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(s.config.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key", ErrSSHAuthentication)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if s.config.Password != "" {
		methods = append(methods, ssh.Password(s.config.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no credentials provided", ErrSSHAuthentication)
	}
	return methods, nil
}

// connect dials with linear backoff, honouring ctx between attempts.
func (s *SFTP) connect(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	methods, err := s.authMethods()
	if err != nil {
		return nil, err
	}
	sshConfig := &ssh.ClientConfig{
		User:            s.config.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.config.Timeout,
	}
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		dialer := net.Dialer{Timeout: s.config.Timeout, KeepAlive: 60 * time.Second}
		raw, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = raw.SetDeadline(time.Now().Add(s.config.Timeout))
			c, chans, reqs, herr := ssh.NewClientConn(raw, addr, sshConfig)
			if herr == nil {
				_ = raw.SetDeadline(time.Time{})
				conn := ssh.NewClient(c, chans, reqs)
				client, serr := sftp.NewClient(conn)
				if serr == nil {
					s.conn, s.client = conn, client
					return client, nil
				}
				conn.Close()
				err = serr
			} else {
				raw.Close()
				err = herr
			}
		}
		lastErr = err

		if attempt < s.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrSSHConnection, ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("%w: %v (after %d attempts)", ErrSSHConnection, lastErr, s.config.MaxRetries)
}

// reset drops the cached connection so the next call redials.
func (s *SFTP) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.client, s.conn = nil, nil
}

func (s *SFTP) Close() error {
	s.reset()
	return nil
}

func (s *SFTP) remotePath(rel string) string {
	return path.Join(s.config.BaseDir, rel)
}

func (s *SFTP) Put(ctx context.Context, projectID, name string, content []byte) (string, error) {
	rel, err := relPath(projectID, name)
	if err != nil {
		return "", err
	}
	client, err := s.connect(ctx)
	if err != nil {
		return "", err
	}
	full := s.remotePath(rel)
	if err := client.MkdirAll(path.Dir(full)); err != nil {
		s.reset()
		return "", fmt.Errorf("sftp: mkdir: %w", err)
	}
	f, err := client.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		s.reset()
		return "", fmt.Errorf("sftp: open: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		s.reset()
		return "", fmt.Errorf("sftp: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("sftp: close: %w", err)
	}
	return SchemeSFTP + ":" + rel, nil
}

func (s *SFTP) Get(ctx context.Context, location string) ([]byte, error) {
	rel, err := parseLocation(SchemeSFTP, location)
	if err != nil {
		return nil, err
	}
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	f, err := client.Open(s.remotePath(rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		s.reset()
		return nil, fmt.Errorf("sftp: open: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *SFTP) Delete(ctx context.Context, location string) error {
	rel, err := parseLocation(SchemeSFTP, location)
	if err != nil {
		return err
	}
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	if err := client.Remove(s.remotePath(rel)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sftp: remove: %w", err)
	}
	return nil
}
