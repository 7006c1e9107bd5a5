package sftppull

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/transport"
)

// Session is the part of an SFTP client the adapter uses.
type Session interface {
	ReadDir(dir string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Remove(path string) error
	Close() error
}

// Dialer opens an authenticated session.
type Dialer func(ctx context.Context, cfg *processor.Config, timeout time.Duration) (Session, error)

// Extra keys read from the processor record.
const (
	ExtraHostKey    = "host_key"    // authorized_keys formatted server key
	ExtraKnownHosts = "known_hosts" // path to a known_hosts file
)

type sftpSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *sftpSession) ReadDir(dir string) ([]os.FileInfo, error) { return s.sftp.ReadDir(dir) }

func (s *sftpSession) Open(path string) (io.ReadCloser, error) {
	f, err := s.sftp.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *sftpSession) Remove(path string) error { return s.sftp.Remove(path) }

func (s *sftpSession) Close() error {
	err := s.sftp.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

// DialSSH logs in with password authentication.
func DialSSH(ctx context.Context, cfg *processor.Config, timeout time.Duration) (Session, error) {
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, transport.NewError(transport.ErrConfiguration, "dial", "", err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, transport.NewError(transport.ErrRead, "dial", addr, err)
	}

	conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, transport.NewError(transport.ErrAuthentication, "login", addr, err)
		}
		return nil, transport.NewError(transport.ErrRead, "handshake", addr, err)
	}
	conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(c, chans, reqs)
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, transport.NewError(transport.ErrRead, "sftp subsystem", addr, err)
	}
	return &sftpSession{ssh: sshClient, sftp: sftpClient}, nil
}

func hostKeyCallback(cfg *processor.Config) (ssh.HostKeyCallback, error) {
	if key := cfg.Extra[ExtraHostKey]; key != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", ExtraHostKey, err)
		}
		return ssh.FixedHostKey(pub), nil
	}
	if path := cfg.Extra[ExtraKnownHosts]; path != "" {
		return knownhosts.New(path)
	}
	if cfg.IsProduction() {
		return nil, errors.New("production sftp processor needs host_key or known_hosts")
	}
	return ssh.InsecureIgnoreHostKey(), nil
}

// withDeadline runs fn and gives up after d. The caller must close the
// session on timeout so fn is released.
func withDeadline(ctx context.Context, d time.Duration, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
