package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/integrity"
	"github.com/anthanhphan/go-ingestion-pipeline/pkg/merkle"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/google/uuid"
)

const (
	partContentType    = "application/octet-stream"
	abortCause         = "aborted by owner"
	validationPending  = "pending"
	maxReportedMissing = 10
	deadlineSlack      = time.Second
)

// errPartCorrupted marks a stored part whose bytes no longer match its record.
var errPartCorrupted = errors.New("stored part does not match its digest")

// assembler owns the part registry of each session and builds the final
// object from it.
type assembler struct {
	core *IngestionServiceImpl
}

func newAssembler(core *IngestionServiceImpl) *assembler {
	return &assembler{core: core}
}

// openSession registers a new upload.
func (a *assembler) openSession(ctx context.Context, principal string, req domain.OpenSessionRequest) (*domain.OpenSessionResult, error) {
	cfg := a.core.cfg.App
	if principal == "" {
		return nil, fmt.Errorf("%w: owner id is required", domain.ErrInvalidMetadata)
	}
	if req.DeclaredSize <= 0 {
		return nil, fmt.Errorf("%w: declared size must be positive", domain.ErrInvalidMetadata)
	}
	if req.DeclaredSize > cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes declared, limit is %d", domain.ErrQuotaExceeded, req.DeclaredSize, cfg.MaxFileSize)
	}
	if err := checkTargetKey(req.TargetKey); err != nil {
		return nil, err
	}

	var missing []string
	for _, key := range cfg.RequiredMetadata {
		if strings.TrimSpace(req.Metadata[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required metadata: %s", domain.ErrInvalidMetadata, strings.Join(missing, ", "))
	}

	var declared integrity.Digest
	if raw := strings.TrimSpace(req.Metadata[domain.MetaChecksum]); raw != "" {
		d, err := integrity.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: checksum: %v", domain.ErrInvalidMetadata, err)
		}
		declared = d
	}

	hint, err := a.partSizeHint(req.DeclaredSize)
	if err != nil {
		return nil, err
	}

	fileName := req.Metadata[domain.MetaFileName]
	if fileName == "" {
		fileName = path.Base(req.TargetKey)
	}
	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	now := a.core.now()
	s := &domain.UploadSession{
		ID:           uuid.NewString(),
		OwnerID:      principal,
		TargetKey:    req.TargetKey,
		DeclaredSize: req.DeclaredSize,
		ContentType:  req.Metadata[domain.MetaContentType],
		FileName:     fileName,
		SampleID:     req.Metadata[domain.MetaSampleID],
		ProjectID:    req.Metadata[domain.MetaProjectID],
		Metadata:     metadata,
		Status:       domain.StatusInitiated,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(cfg.SessionTimeout()),
	}
	if !declared.IsZero() {
		s.DeclaredChecksum = declared.String()
	}
	if err := a.core.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger.Infow("Session opened",
		"session_id", s.ID,
		"owner_id", principal,
		"target_key", s.TargetKey,
		"declared_size", s.DeclaredSize,
		"part_size_hint", hint,
	)
	return &domain.OpenSessionResult{SessionID: s.ID, PartSizeHint: hint, ExpiresAt: s.ExpiresAt}, nil
}

func checkTargetKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: target key is required", domain.ErrInvalidMetadata)
	case strings.HasPrefix(key, "/"):
		return fmt.Errorf("%w: target key must be relative", domain.ErrInvalidMetadata)
	case slices.Contains(strings.Split(key, "/"), ".."):
		return fmt.Errorf("%w: target key must not contain '..'", domain.ErrInvalidMetadata)
	case strings.HasPrefix(key, partsRootPrefix):
		return fmt.Errorf("%w: target key prefix %s is reserved", domain.ErrInvalidMetadata, partsRootPrefix)
	}
	return nil
}

// partSizeHint starts from the configured part size, grows it until the file
// fits in the part count limit and shrinks it for small files.
func (a *assembler) partSizeHint(declared int64) (int64, error) {
	cfg := a.core.cfg.App
	hint := cfg.PartSize
	if maxParts := int64(cfg.MaxParts); maxParts > 0 {
		if need := (declared + maxParts - 1) / maxParts; need > hint {
			hint = need
		}
	}
	if cfg.MaxPartSize > 0 && hint > cfg.MaxPartSize {
		return 0, fmt.Errorf("%w: %d bytes cannot be split into %d parts of at most %d bytes",
			domain.ErrQuotaExceeded, declared, cfg.MaxParts, cfg.MaxPartSize)
	}
	if hint > declared {
		hint = declared
	}
	return hint, nil
}

// receivePart verifies and stores one part under the shared session lock.
func (a *assembler) receivePart(ctx context.Context, principal string, req domain.UploadPartRequest) (*domain.UploadPartResult, error) {
	cfg := a.core.cfg.App
	if req.Index < 1 || (cfg.MaxParts > 0 && req.Index > cfg.MaxParts) {
		return nil, fmt.Errorf("%w: index %d outside 1..%d", domain.ErrInvalidPart, req.Index, cfg.MaxParts)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: part %d is empty", domain.ErrInvalidPart, req.Index)
	}
	if cfg.MaxPartSize > 0 && int64(len(req.Data)) > cfg.MaxPartSize {
		return nil, fmt.Errorf("%w: part %d is %d bytes, limit is %d", domain.ErrInvalidPart, req.Index, len(req.Data), cfg.MaxPartSize)
	}

	digest, err := verifyPart(req)
	if err != nil {
		return nil, err
	}

	unlock, err := a.core.lockSession(ctx, req.SessionID, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := a.core.loadOwned(ctx, principal, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := a.checkAccepting(s); err != nil {
		return nil, err
	}

	existing, err := a.core.store.GetPart(ctx, s.ID, req.Index)
	if err != nil {
		return nil, fmt.Errorf("read part %d: %w", req.Index, err)
	}
	if existing != nil {
		return resolveDuplicate(existing, digest)
	}

	key := partBlobKey(s.ID, req.Index, digest.Value)
	putCtx, cancel := context.WithTimeout(ctx, cfg.BlobTimeout())
	written, err := a.core.blobs.Put(putCtx, key, bytes.NewReader(req.Data), partContentType)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("store part %d: %w", req.Index, err)
	}
	if written != int64(len(req.Data)) {
		a.discardBlob(ctx, key)
		return nil, fmt.Errorf("store part %d: wrote %d of %d bytes", req.Index, written, len(req.Data))
	}

	rec := domain.PartRecord{
		SessionID:  s.ID,
		Index:      req.Index,
		Size:       written,
		Digest:     digest.String(),
		BlobKey:    key,
		ReceivedAt: a.core.now(),
	}
	if err := a.core.store.InsertPart(ctx, rec); err != nil {
		if !errors.Is(err, port.ErrPartExists) {
			a.discardBlob(ctx, key)
			return nil, fmt.Errorf("register part %d: %w", req.Index, err)
		}
		// A concurrent writer registered this index first.
		winner, gerr := a.core.store.GetPart(ctx, s.ID, req.Index)
		if gerr != nil || winner == nil {
			return nil, fmt.Errorf("register part %d: %w", req.Index, err)
		}
		if winner.BlobKey != key {
			a.discardBlob(ctx, key)
		}
		return resolveDuplicate(winner, digest)
	}

	if err := a.markActive(ctx, s); err != nil {
		if errors.Is(err, domain.ErrSessionExpired) {
			a.discardPart(ctx, rec)
		}
		return nil, err
	}

	logger.Debugw("Part received", "session_id", s.ID, "index", req.Index, "size", written)
	return &domain.UploadPartResult{Accepted: true}, nil
}

// verifyPart checks the caller digest and returns the sha256 digest the part
// is registered under.
func verifyPart(req domain.UploadPartRequest) (integrity.Digest, error) {
	expected, err := integrity.Parse(req.Digest)
	if err != nil {
		return integrity.Digest{}, fmt.Errorf("%w: part %d digest: %v", domain.ErrInvalidPart, req.Index, err)
	}
	computed, err := integrity.Verify(req.Data, expected)
	if err != nil {
		if errors.Is(err, integrity.ErrMismatch) {
			return integrity.Digest{}, fmt.Errorf("%w: part %d: %v", domain.ErrDigestMismatch, req.Index, err)
		}
		return integrity.Digest{}, fmt.Errorf("%w: part %d: %v", domain.ErrInvalidPart, req.Index, err)
	}
	if computed.Algorithm == integrity.SHA256 {
		return computed, nil
	}
	return integrity.Sum(integrity.SHA256, req.Data)
}

func resolveDuplicate(existing *domain.PartRecord, digest integrity.Digest) (*domain.UploadPartResult, error) {
	if existing.Digest == digest.String() {
		return &domain.UploadPartResult{Accepted: true, Duplicate: true}, nil
	}
	return nil, fmt.Errorf("%w: index %d", domain.ErrDuplicatePart, existing.Index)
}

func (a *assembler) checkAccepting(s *domain.UploadSession) error {
	switch {
	case s.Status == domain.StatusExpired:
		return fmt.Errorf("%w: %s", domain.ErrSessionExpired, s.ID)
	case s.Status.AcceptsParts() && !a.core.now().Before(s.ExpiresAt):
		return fmt.Errorf("%w: %s passed its deadline %s", domain.ErrSessionExpired, s.ID, s.ExpiresAt.Format(time.RFC3339))
	case !s.Status.AcceptsParts():
		return fmt.Errorf("%w: session %s is %s", domain.ErrSessionClosed, s.ID, s.Status)
	}
	return nil
}

// markActive moves a new session to receiving and pushes the inactivity
// deadline forward.
func (a *assembler) markActive(ctx context.Context, s *domain.UploadSession) error {
	timeout := a.core.cfg.App.SessionTimeout()
	if s.Status == domain.StatusInitiated {
		_, changed, err := a.core.machine.Apply(ctx, s.ID, Transition{
			Expect: domain.StatusInitiated,
			To:     domain.StatusReceiving,
			Actor:  domain.ActorAssembler,
			Mutate: func(cur *domain.UploadSession) { cur.ExpiresAt = a.core.now().Add(timeout) },
		})
		if err == nil && changed {
			return nil
		}
		if err != nil && !errors.Is(err, domain.ErrIllegalTransition) {
			return err
		}
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := a.core.store.GetSession(ctx, s.ID)
		if err != nil {
			return err
		}
		if err := a.checkAccepting(cur); err != nil {
			return err
		}
		now := a.core.now()
		if now.Add(timeout).Sub(cur.ExpiresAt) < deadlineSlack {
			// A concurrent part already pushed the deadline.
			return nil
		}
		cur.ExpiresAt = now.Add(timeout)
		cur.UpdatedAt = now
		err = a.core.store.UpdateSession(ctx, cur)
		if err == nil {
			return nil
		}
		if !errors.Is(err, port.ErrVersionConflict) {
			return fmt.Errorf("extend session %s: %w", s.ID, err)
		}
	}
	return fmt.Errorf("extend session %s: %w", s.ID, port.ErrVersionConflict)
}

// discardPart drops a part registered after its session expired, record first
// so no record outlives its blob.
func (a *assembler) discardPart(ctx context.Context, rec domain.PartRecord) {
	if err := a.core.store.DeletePart(context.WithoutCancel(ctx), rec.SessionID, rec.Index); err != nil {
		logger.Warnw("Failed to drop part record", "session_id", rec.SessionID, "index", rec.Index, "error", err.Error())
		return
	}
	a.discardBlob(ctx, rec.BlobKey)
}

func (a *assembler) discardBlob(ctx context.Context, key string) {
	if err := a.core.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.Warnw("Failed to discard blob", "key", key, "error", err.Error())
	}
}

// finalize assembles the parts under the exclusive session lock. A session
// already assembled returns its recorded result.
func (a *assembler) finalize(ctx context.Context, principal, sessionID string) (*domain.FinalizeResult, error) {
	unlock, err := a.core.lockSession(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := a.core.loadOwned(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}
	parts, err := a.core.store.ListParts(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}

	if s.Status.Finalized() {
		// Repeat finalize: the reply is rebuilt from the stored session, so
		// Validation always reads pending and Parts is the current record count.
		if s.Status == domain.StatusUploaded || s.Status == domain.StatusValidating {
			if _, err := a.core.orchestrator.Schedule(ctx, validateRequest(s.ID)); err != nil {
				return nil, err
			}
		}
		return finalizeResult(s, len(parts)), nil
	}
	if err := a.checkAccepting(s); err != nil {
		if errors.Is(err, domain.ErrSessionExpired) {
			return nil, err
		}
		return nil, &domain.TransitionError{SessionID: s.ID, From: s.Status, To: domain.StatusUploaded, Actor: domain.ActorAssembler}
	}
	if err := checkComplete(parts, s.DeclaredSize); err != nil {
		return nil, err
	}

	if s.Status == domain.StatusInitiated {
		if _, _, err := a.core.machine.Apply(ctx, s.ID, Transition{
			Expect: domain.StatusInitiated,
			To:     domain.StatusReceiving,
			Actor:  domain.ActorAssembler,
		}); err != nil {
			return nil, err
		}
	}

	checksum, err := a.compose(ctx, s, parts)
	if err != nil {
		return nil, err
	}

	leaves := make([]string, len(parts))
	for i, p := range parts {
		leaves[i] = p.Digest
	}
	root := merkle.Root(leaves)

	uploaded, _, err := a.core.machine.Apply(ctx, s.ID, Transition{
		Expect: domain.StatusReceiving,
		To:     domain.StatusUploaded,
		Actor:  domain.ActorAssembler,
		Mutate: func(cur *domain.UploadSession) {
			cur.ComputedChecksum = checksum.String()
			cur.PartsRoot = root
			cur.UploadedAt = a.core.now()
		},
	})
	if err != nil {
		return nil, err
	}

	logger.Infow("Session finalized",
		"session_id", s.ID,
		"target_key", s.TargetKey,
		"size", s.DeclaredSize,
		"parts", len(parts),
		"checksum", uploaded.ComputedChecksum,
	)
	return finalizeResult(uploaded, len(parts)), nil
}

func finalizeResult(s *domain.UploadSession, parts int) *domain.FinalizeResult {
	return &domain.FinalizeResult{
		SessionID:  s.ID,
		Status:     s.Status,
		Validation: validationPending,
		TargetKey:  s.TargetKey,
		Size:       s.DeclaredSize,
		Parts:      parts,
		Checksum:   s.ComputedChecksum,
		PartsRoot:  s.PartsRoot,
		UploadedAt: s.UploadedAt,
	}
}

// checkComplete requires indices 1..N without gaps and a byte total equal to
// the declared size. parts must be ordered by index.
func checkComplete(parts []domain.PartRecord, declared int64) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: no parts received", domain.ErrIncompleteUpload)
	}

	var (
		total   int64
		missing []int
		next    = 1
	)
	for _, p := range parts {
		for ; next < p.Index && len(missing) < maxReportedMissing; next++ {
			missing = append(missing, next)
		}
		next = p.Index + 1
		total += p.Size
	}
	if len(missing) > 0 || parts[len(parts)-1].Index != len(parts) {
		return fmt.Errorf("%w: missing parts %v", domain.ErrIncompleteUpload, missing)
	}
	if total != declared {
		return fmt.Errorf("%w: received %d bytes, declared %d", domain.ErrIncompleteUpload, total, declared)
	}
	return nil
}

// compose streams the parts in order into the target object and returns its
// sha256. A declared checksum is verified on the same pass.
func (a *assembler) compose(ctx context.Context, s *domain.UploadSession, parts []domain.PartRecord) (integrity.Digest, error) {
	var declared integrity.Digest
	if s.DeclaredChecksum != "" {
		d, err := integrity.Parse(s.DeclaredChecksum)
		if err != nil {
			return integrity.Digest{}, fmt.Errorf("declared checksum: %w", err)
		}
		declared = d
	}

	var extra []integrity.Algorithm
	if !declared.IsZero() {
		extra = append(extra, declared.Algorithm)
	}
	hasher, err := integrity.NewHasher(extra...)
	if err != nil {
		return integrity.Digest{}, err
	}

	contentType := s.ContentType
	if contentType == "" {
		contentType = partContentType
	}

	src := &partsReader{ctx: ctx, blobs: a.core.blobs, parts: parts}
	defer src.Close()

	// Each part gets the per-blob budget.
	putCtx, cancel := context.WithTimeout(ctx, a.core.cfg.App.BlobTimeout()*time.Duration(len(parts)))
	defer cancel()

	written, err := a.core.blobs.Put(putCtx, s.TargetKey, io.TeeReader(src, hasher), contentType)
	if err != nil {
		if errors.Is(err, errPartCorrupted) {
			a.core.machine.Fail(ctx, s.ID, domain.ActorAssembler, err.Error())
			return integrity.Digest{}, fmt.Errorf("%w: %v", domain.ErrDigestMismatch, err)
		}
		return integrity.Digest{}, fmt.Errorf("assemble %s: %w", s.TargetKey, err)
	}
	if written != s.DeclaredSize {
		a.discardBlob(ctx, s.TargetKey)
		return integrity.Digest{}, fmt.Errorf("assemble %s: wrote %d of %d bytes", s.TargetKey, written, s.DeclaredSize)
	}

	if !declared.IsZero() {
		if got := hasher.Digest(declared.Algorithm); !got.Equal(declared) {
			a.discardBlob(ctx, s.TargetKey)
			cause := fmt.Sprintf("declared checksum %s does not match assembled %s", declared, got)
			a.core.machine.Fail(ctx, s.ID, domain.ActorAssembler, cause)
			return integrity.Digest{}, fmt.Errorf("%w: %s", domain.ErrDigestMismatch, cause)
		}
	}
	return hasher.Digest(integrity.SHA256), nil
}

// partsReader concatenates part blobs, opening each lazily and checking it
// against its recorded size and digest when it ends.
type partsReader struct {
	ctx   context.Context
	blobs port.BlobStore
	parts []domain.PartRecord

	idx  int
	cur  io.ReadCloser
	hash *integrity.Hasher
	err  error
}

func (r *partsReader) Read(p []byte) (int, error) {
	for {
		if r.err != nil {
			return 0, r.err
		}
		if r.cur == nil {
			if r.idx >= len(r.parts) {
				return 0, io.EOF
			}
			if err := r.open(); err != nil {
				r.err = err
				return 0, err
			}
		}

		n, err := r.cur.Read(p)
		_, _ = r.hash.Write(p[:n])
		if errors.Is(err, io.EOF) {
			_ = r.cur.Close()
			r.cur = nil
			if verr := r.verify(); verr != nil {
				r.err = verr
				return n, verr
			}
			r.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			r.err = fmt.Errorf("read part %d: %w", r.parts[r.idx].Index, err)
			return n, r.err
		}
		return n, nil
	}
}

func (r *partsReader) open() error {
	part := r.parts[r.idx]
	rc, err := r.blobs.Get(r.ctx, part.BlobKey, port.FullRange)
	if err != nil {
		if errors.Is(err, port.ErrBlobNotFound) {
			return fmt.Errorf("%w: part %d blob is missing", errPartCorrupted, part.Index)
		}
		return fmt.Errorf("open part %d: %w", part.Index, err)
	}
	h, err := integrity.NewHasher()
	if err != nil {
		_ = rc.Close()
		return err
	}
	r.cur, r.hash = rc, h
	return nil
}

func (r *partsReader) verify() error {
	part := r.parts[r.idx]
	if r.hash.Size() != part.Size {
		return fmt.Errorf("%w: part %d has %d bytes, recorded %d", errPartCorrupted, part.Index, r.hash.Size(), part.Size)
	}
	if got := r.hash.Digest(integrity.SHA256).String(); got != part.Digest {
		return fmt.Errorf("%w: part %d", errPartCorrupted, part.Index)
	}
	return nil
}

func (r *partsReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

// abort cancels an open session, or schedules post-terminal cleanup once the
// object has been assembled.
func (a *assembler) abort(ctx context.Context, principal, sessionID string) (*domain.AbortResult, error) {
	unlock, err := a.core.lockSession(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := a.core.loadOwned(ctx, principal, sessionID)
	if err != nil {
		return nil, err
	}

	if s.Status.AcceptsParts() {
		failed, _, err := a.core.machine.Apply(ctx, s.ID, Transition{
			To:    domain.StatusError,
			Actor: domain.ActorAssembler,
			Cause: abortCause,
		})
		if err != nil && failed == nil {
			return nil, err
		}
		if err != nil && !errors.Is(err, errFollowUp) {
			return nil, err
		}
		res := &domain.AbortResult{SessionID: s.ID, Status: failed.Status}
		if t, ferr := a.core.store.FindTaskByDedupeKey(ctx, cleanupDedupeKey(s.ID, domain.ScopeParts)); ferr == nil {
			res.CleanupTaskID = t.ID
		}
		logger.Infow("Session aborted", "session_id", s.ID, "status", string(failed.Status))
		return res, nil
	}

	taskID, err := a.core.orchestrator.Schedule(ctx, purgeRequest(s.ID))
	if err != nil {
		return nil, err
	}
	logger.Infow("Post-terminal cleanup requested", "session_id", s.ID, "status", string(s.Status), "task_id", taskID)
	return &domain.AbortResult{SessionID: s.ID, Status: s.Status, CleanupTaskID: taskID}, nil
}
