package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/integrity"
	"github.com/anthanhphan/gosdk/logger"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ingestClient is the slice of the gRPC client the uploader drives.
type ingestClient interface {
	OpenSession(ctx context.Context, req domain.OpenSessionRequest) (*domain.OpenSessionResult, error)
	UploadPart(ctx context.Context, req domain.UploadPartRequest) (*domain.UploadPartResult, error)
	FinalizeSession(ctx context.Context, sessionID string) (*domain.FinalizeResult, error)
	GetStatus(ctx context.Context, sessionID string) (*domain.SessionView, error)
	AbortSession(ctx context.Context, sessionID string) (*domain.AbortResult, error)
}

type uploadOptions struct {
	Path         string
	TargetKey    string
	Metadata     map[string]string
	Parallel     int
	PartRetries  int
	RetryDelay   time.Duration
	PollInterval time.Duration
	AbortOnError bool
}

type uploader struct {
	client ingestClient
	opts   uploadOptions
}

func newUploader(client ingestClient, opts uploadOptions) *uploader {
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	if opts.PartRetries <= 0 {
		opts.PartRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &uploader{client: client, opts: opts}
}

// Run uploads the file, finalizes it and waits for a terminal status.
func (u *uploader) Run(ctx context.Context) (*domain.SessionView, error) {
	f, err := os.Open(u.opts.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	checksum, err := fileChecksum(f)
	if err != nil {
		return nil, fmt.Errorf("checksum %s: %w", u.opts.Path, err)
	}

	meta := map[string]string{
		domain.MetaFileName: filepath.Base(u.opts.Path),
		domain.MetaChecksum: checksum.String(),
	}
	for k, v := range u.opts.Metadata {
		if v != "" {
			meta[k] = v
		}
	}
	target := u.opts.TargetKey
	if target == "" {
		target = filepath.Base(u.opts.Path)
	}

	opened, err := u.client.OpenSession(ctx, domain.OpenSessionRequest{
		DeclaredSize: info.Size(),
		TargetKey:    target,
		Metadata:     meta,
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	logger.Infow("Session opened",
		"session_id", opened.SessionID,
		"part_size_hint", opened.PartSizeHint,
		"size_bytes", info.Size(),
	)

	if err := u.uploadParts(ctx, f, opened.SessionID, info.Size(), opened.PartSizeHint); err != nil {
		u.abort(opened.SessionID)
		return nil, err
	}

	fin, err := u.client.FinalizeSession(ctx, opened.SessionID)
	if err != nil {
		return nil, fmt.Errorf("finalize session %s: %w", opened.SessionID, err)
	}
	logger.Infow("Session finalized", "session_id", fin.SessionID, "status", string(fin.Status), "checksum", fin.Checksum)

	return u.await(ctx, opened.SessionID)
}

func fileChecksum(f *os.File) (integrity.Digest, error) {
	h, err := integrity.NewHasher()
	if err != nil {
		return integrity.Digest{}, err
	}
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, 1<<62)); err != nil {
		return integrity.Digest{}, err
	}
	return h.Digest(integrity.SHA256), nil
}

func partCount(size, partSize int64) int {
	if size <= 0 || partSize <= 0 {
		return 0
	}
	return int((size + partSize - 1) / partSize)
}

func (u *uploader) uploadParts(ctx context.Context, r io.ReaderAt, sessionID string, size, partSize int64) error {
	total := partCount(size, partSize)
	var sent atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Parallel)
	for i := 0; i < total; i++ {
		index := i + 1
		offset := int64(i) * partSize
		length := min(partSize, size-offset)

		g.Go(func() error {
			buf := make([]byte, length)
			if _, err := r.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read part %d: %w", index, err)
			}
			digest, err := integrity.Sum(integrity.SHA256, buf)
			if err != nil {
				return err
			}
			if err := u.sendPart(gctx, domain.UploadPartRequest{
				SessionID: sessionID,
				Index:     index,
				Data:      buf,
				Digest:    digest.String(),
			}); err != nil {
				return err
			}
			logger.Debugw("Part uploaded", "session_id", sessionID, "index", index, "done", sent.Add(1), "total", total)
			return nil
		})
	}
	return g.Wait()
}

// sendPart retries transport-level failures. The server treats a re-sent
// part with the same digest as a duplicate, so retrying is safe.
func (u *uploader) sendPart(ctx context.Context, req domain.UploadPartRequest) error {
	delay := u.opts.RetryDelay
	var err error
	for attempt := 1; attempt <= u.opts.PartRetries; attempt++ {
		if _, err = u.client.UploadPart(ctx, req); err == nil || !retryable(err) {
			break
		}
		logger.Warnw("Part upload failed, retrying",
			"session_id", req.SessionID,
			"index", req.Index,
			"attempt", attempt,
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err != nil {
		return fmt.Errorf("upload part %d: %w", req.Index, err)
	}
	return nil
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// await polls status until the session reaches a terminal state.
func (u *uploader) await(ctx context.Context, sessionID string) (*domain.SessionView, error) {
	ticker := time.NewTicker(u.opts.PollInterval)
	defer ticker.Stop()

	last := domain.SessionStatus("")
	for {
		view, err := u.client.GetStatus(ctx, sessionID)
		if err != nil && !retryable(err) {
			return nil, fmt.Errorf("get status %s: %w", sessionID, err)
		}
		if err == nil {
			if view.Status != last {
				logger.Infow("Session status", "session_id", sessionID, "status", string(view.Status), "validation", view.Validation)
				last = view.Status
			}
			if view.Status.IsTerminal() {
				return view, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (u *uploader) abort(sessionID string) {
	if !u.opts.AbortOnError {
		logger.Warnw("Upload failed, session left open for resume", "session_id", sessionID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := u.client.AbortSession(ctx, sessionID); err != nil {
		logger.Warnw("Failed to abort session", "session_id", sessionID, "error", err.Error())
		return
	}
	logger.Infow("Session aborted", "session_id", sessionID)
}
