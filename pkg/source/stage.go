package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/lakegate/lakegate/pkg/engine"
)

// Metadata keys written on staged objects.
const (
	MetaContentHash = "content-hash"
	MetaSourceURI   = "source-uri"
)

// DefaultStageWorkers bounds concurrent conversions.
const DefaultStageWorkers = 12

// StageOptions configures a staging pass.
type StageOptions struct {
	// Workers bounds concurrent conversions. Defaults to DefaultStageWorkers.
	Workers int

	// Force re-uploads files whose content hash is unchanged.
	Force bool
}

// StagedFile is the outcome for one source file.
type StagedFile struct {
	Source  string `json:"source"`
	Target  string `json:"target"`
	Rows    int    `json:"rows"`
	Hash    string `json:"hash"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StageReport summarizes a staging pass.
type StageReport struct {
	Files    []StagedFile  `json:"files"`
	Staged   int           `json:"staged"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Stager converts JSON, JSONL and Parquet sources into Parquet files under a
// staging prefix, ready for import. Unchanged sources are skipped by content hash.
type Stager struct {
	reader *Reader
	logger zerolog.Logger
}

// NewStager creates a stager that reads and writes through reader's stores.
func NewStager(reader *Reader, logger zerolog.Logger) *Stager {
	return &Stager{
		reader: reader,
		logger: logger.With().Str("component", "stager").Logger(),
	}
}

// Stage converts every file matched by srcPattern into dstPrefix.
// Per-file failures are reported in the result; the error is non-nil when
// sources cannot be listed or any file failed.
func (s *Stager) Stage(ctx context.Context, srcPattern, dstPrefix string, opts StageOptions) (*StageReport, error) {
	start := time.Now()
	if opts.Workers <= 0 {
		opts.Workers = DefaultStageWorkers
	}

	dstStore, dst, err := s.reader.route(dstPrefix)
	if err != nil {
		return nil, err
	}
	if dst.HasGlob() {
		return nil, engine.NewValidationError("staging prefix must not contain wildcards", nil).
			WithResource(dstPrefix)
	}

	objects, err := s.reader.Resolve(ctx, srcPattern)
	if err != nil {
		return nil, err
	}

	report := &StageReport{Files: make([]StagedFile, len(objects))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, obj := range objects {
		g.Go(func() error {
			file := s.stageOne(gctx, obj.URI, dstStore, dst, opts)
			mu.Lock()
			report.Files[i] = file
			switch {
			case file.Error != "":
				report.Failed++
			case file.Skipped:
				report.Skipped++
			default:
				report.Staged++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	s.logger.Info().
		Str("source", srcPattern).
		Str("target", dstPrefix).
		Int("staged", report.Staged).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("staging completed")

	if report.Failed > 0 {
		return report, engine.NewFatalError(fmt.Sprintf("%d of %d files failed to stage", report.Failed, len(objects)), nil).
			WithCode(engine.ErrCodeInvalidSource).WithResource(srcPattern)
	}
	return report, nil
}

func (s *Stager) stageOne(ctx context.Context, srcURI string, dstStore Store, dst *URI, opts StageOptions) StagedFile {
	file := StagedFile{Source: srcURI}
	base := path.Base(srcURI)
	target := dst.Join(strings.TrimSuffix(base, path.Ext(base)) + ".parquet")
	file.Target = target.String()

	fail := func(err error) StagedFile {
		file.Error = err.Error()
		s.logger.Warn().Err(err).Str("source", srcURI).Msg("failed to stage file")
		return file
	}

	format, err := FormatOf(srcURI)
	if err != nil {
		return fail(err)
	}

	local, cleanup, err := s.reader.Fetch(ctx, srcURI)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	hash, err := HashFile(local)
	if err != nil {
		return fail(err)
	}
	file.Hash = hash

	if !opts.Force {
		if existing, err := dstStore.Stat(ctx, target); err == nil && existing.Metadata[MetaContentHash] == hash {
			file.Skipped = true
			s.logger.Debug().Str("source", srcURI).Str("hash", hash).Msg("unchanged, skipping")
			return file
		}
	}

	ds, err := ReadFile(local, format)
	if err != nil {
		return fail(fmt.Errorf("failed to decode: %w", err))
	}
	file.Rows = ds.Len()

	out, err := os.CreateTemp(s.reader.TempDir, "lakegate-stage-*.parquet")
	if err != nil {
		return fail(err)
	}
	defer os.Remove(out.Name())

	if err := WriteParquet(out, ds); err != nil {
		out.Close()
		return fail(err)
	}
	if err := out.Close(); err != nil {
		return fail(err)
	}

	meta := map[string]string{MetaContentHash: hash, MetaSourceURI: srcURI}
	if err := dstStore.Put(ctx, filepath.Clean(out.Name()), target, meta); err != nil {
		return fail(err)
	}
	return file
}

// HashFile returns the hex BLAKE3 digest of the file at p.
func HashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
