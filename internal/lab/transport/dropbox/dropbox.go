// Package dropbox reads results that the lab drops into a directory this
// host can see, and archives each accepted file into the processor's
// backups directory.
package dropbox

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/transport"
)

type Adapter struct {
	resultsDir string
	backupDir  string
	now        func() time.Time

	logger zerolog.Logger
}

// New is a transport.Factory.
func New(cfg *processor.Config, s transport.Settings) (transport.Adapter, error) {
	if cfg.Protocol != processor.ProtocolDropBox {
		return nil, transport.Unsupported(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s = s.WithDefaults()
	return &Adapter{
		resultsDir: cfg.ResultsPath,
		backupDir:  cfg.BackupDir(),
		now:        s.Now,
		logger: s.Logger.With().
			Str("component", "dropbox").
			Str("processor", cfg.ID).
			Logger(),
	}, nil
}

func (a *Adapter) Protocol() processor.Protocol { return processor.ProtocolDropBox }

func (a *Adapter) ListPending(ctx context.Context, max int) (transport.Listing, error) {
	if err := ctx.Err(); err != nil {
		return transport.Listing{}, err
	}
	all, err := transport.ScanDir(a.resultsDir)
	if err != nil {
		return transport.Listing{}, transport.NewError(transport.ErrRead, "list", a.resultsDir, err)
	}
	artifacts, more := transport.Cap(all, max)
	a.logger.Debug().Int("pending", len(all)).Int("listed", len(artifacts)).Msg("scanned results directory")
	return transport.Listing{Artifacts: artifacts, More: more}, nil
}

func (a *Adapter) FetchBytes(ctx context.Context, art transport.Artifact) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return transport.ReadArtifact(art)
}

// Acknowledge archives accepted files. Rejected files stay in the results
// directory and are offered again next cycle.
func (a *Adapter) Acknowledge(_ context.Context, acks []transport.Ack) error {
	var errs []error
	for _, ack := range acks {
		if ack.Code != transport.AckAccept {
			a.logger.Warn().Str("artifact", ack.Artifact.Name).Str("reason", ack.Reason).Msg("result rejected, left in place")
			continue
		}
		dst, err := transport.MoveToBackup(ack.Artifact.Path, a.backupDir, a.now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.logger.Debug().Str("artifact", ack.Artifact.Name).Str("backup", dst).Msg("archived")
	}
	return errors.Join(errs...)
}

// ResultsDir is the directory the lab writes into.
func (a *Adapter) ResultsDir() string { return a.resultsDir }

func (a *Adapter) Close() error { return nil }
