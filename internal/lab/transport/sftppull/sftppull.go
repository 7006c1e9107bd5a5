// Package sftppull pulls results from a lab's SFTP server. Each file is
// downloaded into the processor's working directory and deleted from the
// server right after the download succeeds; the remote delete is the only
// signal the lab gets. Files staged locally but not yet acknowledged are
// offered again, ahead of anything new, on the next listing.
package sftppull

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/transport"
)

type Adapter struct {
	cfg     *processor.Config
	dial    Dialer
	timeout time.Duration
	now     func() time.Time
	retry   func() backoff.BackOff

	logger zerolog.Logger
}

// New is a transport.Factory using DialSSH.
func New(cfg *processor.Config, s transport.Settings) (transport.Adapter, error) {
	return NewWithDialer(cfg, s, DialSSH)
}

// NewWithDialer validates cfg without touching the network.
func NewWithDialer(cfg *processor.Config, s transport.Settings, dial Dialer) (*Adapter, error) {
	if cfg.Protocol != processor.ProtocolSFTP {
		return nil, transport.Unsupported(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := hostKeyCallback(cfg); err != nil {
		return nil, &processor.ConfigError{ProcessorID: cfg.ID, Protocol: cfg.Protocol, Reason: err.Error()}
	}
	s = s.WithDefaults()
	timeout := s.Timeout
	return &Adapter{
		cfg:     cfg,
		dial:    dial,
		timeout: timeout,
		now:     s.Now,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = 3 * timeout
			return b
		},
		logger: s.Logger.With().
			Str("component", "sftppull").
			Str("processor", cfg.ID).
			Logger(),
	}, nil
}

func (a *Adapter) Protocol() processor.Protocol { return processor.ProtocolSFTP }

// connect dials with exponential backoff. Authentication and configuration
// failures are not retried.
func (a *Adapter) connect(ctx context.Context) (Session, error) {
	var sess Session
	operation := func() error {
		var err error
		sess, err = a.dial(ctx, a.cfg, a.timeout)
		if err == nil {
			return nil
		}
		if errors.Is(err, transport.ErrAuthentication) || errors.Is(err, transport.ErrConfiguration) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		a.logger.Warn().Err(err).Msg("sftp connect failed, will retry")
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(a.retry(), ctx)); err != nil {
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, transport.ErrAuthentication) {
			err = cerr
		}
		return nil, transport.NewError(transport.ErrRead, "connect", a.cfg.Host, err)
	}
	return sess, nil
}

// ListPending restages local files first. The remote server is contacted
// unless the staged files alone exceed max.
func (a *Adapter) ListPending(ctx context.Context, max int) (transport.Listing, error) {
	if err := os.MkdirAll(a.cfg.WorkDir, 0o750); err != nil {
		return transport.Listing{}, transport.NewError(transport.ErrRead, "stage", a.cfg.WorkDir, err)
	}
	staged, err := transport.ScanDir(a.cfg.WorkDir)
	if err != nil {
		return transport.Listing{}, transport.NewError(transport.ErrRead, "stage", a.cfg.WorkDir, err)
	}
	if max > 0 && len(staged) > max {
		a.logger.Info().Int("staged", len(staged)).Msg("requeued staged results, remote not contacted")
		return transport.Listing{Artifacts: staged[:max], More: true}, nil
	}
	if err := ctx.Err(); err != nil {
		return transport.Listing{}, err
	}

	sess, err := a.connect(ctx)
	if err != nil {
		return transport.Listing{}, err
	}
	defer sess.Close()

	var remote []os.FileInfo
	err = withDeadline(ctx, a.timeout, func() error {
		var err error
		remote, err = sess.ReadDir(a.cfg.ResultsPath)
		return err
	})
	if err != nil {
		return transport.Listing{}, transport.NewError(transport.ErrRead, "list", a.cfg.ResultsPath, err)
	}
	sort.Slice(remote, func(i, j int) bool { return remote[i].Name() < remote[j].Name() })

	stagedByName := make(map[string]transport.Artifact, len(staged))
	for _, s := range staged {
		stagedByName[s.Name] = s
	}

	out := staged
	more := false
	for _, fi := range remote {
		if !fi.Mode().IsRegular() || !transport.IsResultFile(fi.Name()) || fi.Size() == 0 {
			continue
		}
		remotePath := path.Join(a.cfg.ResultsPath, fi.Name())

		if st, ok := stagedByName[fi.Name()]; ok {
			// Downloaded earlier but the remote delete did not go through.
			// A different file under the same name waits until the staged
			// copy is acknowledged.
			same, err := a.sameContent(ctx, sess, fi, remotePath, st)
			switch {
			case err != nil:
				a.logger.Warn().Err(err).Str("artifact", fi.Name()).Msg("could not compare remote file with staged copy, left on server")
			case same:
				a.remove(ctx, sess, remotePath)
			default:
				a.logger.Warn().Str("artifact", fi.Name()).Msg("remote file differs from staged copy, left on server")
			}
			continue
		}
		if max > 0 && len(out) >= max {
			more = true
			break
		}
		if err := ctx.Err(); err != nil {
			return transport.Listing{Artifacts: out, More: true}, nil
		}

		art, err := a.download(ctx, sess, fi, remotePath)
		if err != nil {
			if transport.IsCycleFatal(err) {
				return transport.Listing{}, err
			}
			a.logger.Warn().Err(err).Str("artifact", fi.Name()).Msg("download failed, skipped")
			continue
		}
		out = append(out, art)
		a.remove(ctx, sess, remotePath)
	}

	a.logger.Debug().Int("staged", len(staged)).Int("downloaded", len(out)-len(staged)).Bool("more", more).Msg("listed results")
	return transport.Listing{Artifacts: out, More: more}, nil
}

func (a *Adapter) download(ctx context.Context, sess Session, fi os.FileInfo, remotePath string) (transport.Artifact, error) {
	local := filepath.Join(a.cfg.WorkDir, fi.Name())
	var n int64
	err := withDeadline(ctx, a.timeout, func() error {
		rc, err := sess.Open(remotePath)
		if err != nil {
			return err
		}
		defer rc.Close()
		n, err = transport.WriteFileAtomic(local, rc)
		return err
	})
	if err != nil {
		return transport.Artifact{}, transport.NewError(transport.ErrRead, "download", fi.Name(), err)
	}
	info, err := os.Stat(local)
	if err != nil {
		return transport.Artifact{}, transport.NewError(transport.ErrRead, "download", fi.Name(), err)
	}
	return transport.Artifact{Name: fi.Name(), Path: local, Size: n, ModTime: info.ModTime()}, nil
}

// sameContent reports whether the remote file is byte-identical to the
// staged artifact.
func (a *Adapter) sameContent(ctx context.Context, sess Session, fi os.FileInfo, remotePath string, st transport.Artifact) (bool, error) {
	if fi.Size() != st.Size {
		return false, nil
	}
	local, err := os.Open(st.Path)
	if err != nil {
		return false, err
	}
	defer local.Close()
	lh := sha256.New()
	if _, err := io.Copy(lh, local); err != nil {
		return false, err
	}

	rh := sha256.New()
	err = withDeadline(ctx, a.timeout, func() error {
		rc, err := sess.Open(remotePath)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(rh, rc)
		return err
	})
	if err != nil {
		return false, err
	}
	return bytes.Equal(lh.Sum(nil), rh.Sum(nil)), nil
}

// remove deletes a remote file that is safely staged. A failure is logged;
// the next listing retries it.
func (a *Adapter) remove(ctx context.Context, sess Session, remotePath string) {
	err := withDeadline(ctx, a.timeout, func() error { return sess.Remove(remotePath) })
	if err != nil {
		a.logger.Error().Err(err).Str("remote", remotePath).Msg("remote delete failed, will retry next cycle")
		return
	}
	a.logger.Debug().Str("remote", remotePath).Msg("remote deleted")
}

func (a *Adapter) FetchBytes(ctx context.Context, art transport.Artifact) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return transport.ReadArtifact(art)
}

// Acknowledge moves accepted files from the working directory into backups.
func (a *Adapter) Acknowledge(_ context.Context, acks []transport.Ack) error {
	var errs []error
	for _, ack := range acks {
		if ack.Code != transport.AckAccept {
			a.logger.Warn().Str("artifact", ack.Artifact.Name).Str("reason", ack.Reason).Msg("result rejected, left staged")
			continue
		}
		if _, err := transport.MoveToBackup(ack.Artifact.Path, a.cfg.BackupDir(), a.now()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) Close() error { return nil }
