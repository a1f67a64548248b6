// Package app drives the caption-generation pipeline: validate the
// upload, admit it against the quota, upload the image, invoke the
// generator, normalize its output, persist the post, and apply the
// retention policy.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"snapcaption/internal/identity"
	"snapcaption/internal/media"
	"snapcaption/internal/quota"
	"snapcaption/internal/util"
	"snapcaption/pkg/ai"
	"snapcaption/pkg/domain"
	"snapcaption/pkg/storage"
	"snapcaption/pkg/store"
)

const (
	defaultMaxImageBytes   = int64(4 << 20)
	defaultUploadTimeout   = 30 * time.Second
	defaultGenerateTimeout = 90 * time.Second
	defaultPresignTTL      = 24 * time.Hour
)

var (
	// ErrPostNotFound indicates an unknown post id.
	ErrPostNotFound = errors.New("post not found")
	// ErrPostForbidden indicates a post owned by someone else.
	ErrPostForbidden = errors.New("post forbidden")
)

// QuotaLedger is the admission-control dependency of the pipeline.
type QuotaLedger interface {
	CheckAndReserve(ctx context.Context, id domain.Identity) (quota.Decision, error)
	Peek(ctx context.Context, id domain.Identity) (quota.Decision, error)
}

// Config wires the pipeline's collaborators.
type Config struct {
	Store     store.Store
	Blobs     storage.ObjectStore
	Generator ai.CaptionGenerator
	Quota     QuotaLedger

	MaxImageBytes   int64
	UploadTimeout   time.Duration
	GenerateTimeout time.Duration
	PresignTTL      time.Duration
}

// App is the generation orchestrator.
type App struct {
	store     store.Store
	blobs     storage.ObjectStore
	generator ai.CaptionGenerator
	quota     QuotaLedger

	maxImageBytes   int64
	uploadTimeout   time.Duration
	generateTimeout time.Duration
	presignTTL      time.Duration
}

// New constructs the orchestrator.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("post store required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("caption generator required")
	}
	if cfg.Quota == nil {
		return nil, fmt.Errorf("quota ledger required")
	}
	a := &App{
		store:           cfg.Store,
		blobs:           cfg.Blobs,
		generator:       cfg.Generator,
		quota:           cfg.Quota,
		maxImageBytes:   cfg.MaxImageBytes,
		uploadTimeout:   cfg.UploadTimeout,
		generateTimeout: cfg.GenerateTimeout,
		presignTTL:      cfg.PresignTTL,
	}
	if a.maxImageBytes <= 0 {
		a.maxImageBytes = defaultMaxImageBytes
	}
	if a.uploadTimeout <= 0 {
		a.uploadTimeout = defaultUploadTimeout
	}
	if a.generateTimeout <= 0 {
		a.generateTimeout = defaultGenerateTimeout
	}
	if a.presignTTL <= 0 {
		a.presignTTL = defaultPresignTTL
	}
	return a, nil
}

// Request is one caption-generation request. The image lives only for
// the duration of the pipeline run.
type Request struct {
	SessionUserID string
	ClientIP      string
	Mood          string
	Description   string
	ImageBytes    []byte
	ImageMIME     string
}

// GenerateCaptions runs the pipeline. The quota slot is reserved before
// any blob or generator call and is never released on later failures.
func (a *App) GenerateCaptions(ctx context.Context, req Request) (domain.GenerationResult, error) {
	logger := util.LoggerFromContext(ctx)

	// Validating.
	prepared, err := media.Prepare(req.ImageBytes, req.ImageMIME, a.maxImageBytes)
	if err != nil {
		if errors.Is(err, media.ErrUncompressible) {
			return domain.GenerationResult{}, err
		}
		return domain.GenerationResult{}, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}

	// QuotaChecking. Strictly before any paid external call.
	id := identity.Resolve(req.SessionUserID, req.ClientIP)
	decision, err := a.quota.CheckAndReserve(ctx, id)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("quota check: %w", err)
	}
	if !decision.Allowed {
		return domain.GenerationResult{}, &QuotaExceededError{
			Tier:      decision.Tier,
			Limit:     decision.Limit,
			ResetTime: decision.ResetTime,
		}
	}

	// Uploading.
	key := "uploads/" + uuid.NewString() + extensionFor(prepared.ContentType)
	imageURL, err := a.upload(ctx, key, prepared)
	if err != nil {
		logger.Error("pipeline stage failed", "stage", "uploading", "err", err)
		return domain.GenerationResult{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	// Generating.
	prompt := ai.CaptionPrompt{
		Mood:        strings.TrimSpace(req.Mood),
		Description: strings.TrimSpace(req.Description),
		ImageURL:    imageURL,
		Count:       captionCount,
	}
	output, err := a.invokeGenerator(ctx, prompt)
	if err != nil {
		logger.Error("pipeline stage failed", "stage", "generating", "err", err)
		return domain.GenerationResult{}, err
	}
	if output.Unsafe {
		// NSFW short-circuit: nothing is normalized or persisted, and
		// the blob never lingers in storage.
		a.deleteBlob(ctx, key)
		return domain.GenerationResult{
			Captions:     []string{},
			Unsafe:       true,
			UnsafeReason: output.UnsafeReason,
			Remaining:    decision.Remaining,
			ResetTime:    decision.ResetTime,
		}, nil
	}

	// Normalizing.
	captions, err := a.normalize(ctx, prompt, output.Raw)
	if err != nil {
		logger.Error("pipeline stage failed", "stage", "normalizing", "err", err)
		return domain.GenerationResult{}, err
	}

	// Persisting. Anonymous posts keep only the caption text: their
	// storage key and URL are never written because the blob is removed
	// right after.
	post := domain.Post{
		ID:          util.NewID(),
		Mood:        prompt.Mood,
		Description: prompt.Description,
		Captions:    captions,
		CreatedAt:   time.Now().UTC(),
	}
	if id.Authenticated() {
		post.OwnerID = id.Key
		post.StorageKey = key
		post.ImageURL = imageURL
	}
	if err := a.store.SavePost(post); err != nil {
		logger.Error("pipeline stage failed", "stage", "persisting", "err", err)
		return domain.GenerationResult{}, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	// CleaningUp.
	a.enforceRetention(ctx, id, key)

	return domain.GenerationResult{
		Captions:  captions,
		ImageURL:  imageURL,
		PostID:    post.ID,
		Stored:    id.Authenticated(),
		Remaining: decision.Remaining,
		ResetTime: decision.ResetTime,
	}, nil
}

// QuotaStatus reports the caller's remaining quota without consuming a slot.
func (a *App) QuotaStatus(ctx context.Context, sessionUserID, clientIP string) (quota.Decision, error) {
	id := identity.Resolve(sessionUserID, clientIP)
	decision, err := a.quota.Peek(ctx, id)
	if err != nil {
		return quota.Decision{}, fmt.Errorf("quota peek: %w", err)
	}
	return decision, nil
}

// ListPosts returns the user's caption history, newest first.
func (a *App) ListPosts(userID string, limit int) ([]domain.Post, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id required")
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	posts, err := a.store.ListPostsByOwner(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

// DeletePost removes a post and, best-effort, its stored image.
func (a *App) DeletePost(ctx context.Context, userID, postID string) error {
	post, ok, err := a.store.GetPost(postID)
	if err != nil {
		return fmt.Errorf("load post: %w", err)
	}
	if !ok {
		return ErrPostNotFound
	}
	if post.OwnerID != userID {
		return ErrPostForbidden
	}
	if err := a.store.DeletePost(postID); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if post.StorageKey != "" {
		a.deleteBlob(ctx, post.StorageKey)
	}
	return nil
}

func (a *App) upload(ctx context.Context, key string, prepared media.PreparedImage) (string, error) {
	uploadCtx, cancel := context.WithTimeout(ctx, a.uploadTimeout)
	defer cancel()
	if err := a.blobs.Put(uploadCtx, key, prepared.Bytes, prepared.ContentType); err != nil {
		return "", err
	}
	url, err := a.blobs.PresignGet(uploadCtx, key, a.presignTTL)
	if err != nil {
		return "", err
	}
	return url, nil
}

// invokeGenerator calls the generator with a per-attempt timeout and
// retries exactly once on transport failure.
func (a *App) invokeGenerator(ctx context.Context, prompt ai.CaptionPrompt) (ai.CaptionOutput, error) {
	output, err := a.generateOnce(ctx, prompt)
	if err == nil {
		return output, nil
	}
	util.LoggerFromContext(ctx).Warn("generator attempt failed, retrying once", "err", err)
	output, err = a.generateOnce(ctx, prompt)
	if err != nil {
		return ai.CaptionOutput{}, fmt.Errorf("%w: %v", ErrGeneratorUnavailable, err)
	}
	return output, nil
}

func (a *App) generateOnce(ctx context.Context, prompt ai.CaptionPrompt) (ai.CaptionOutput, error) {
	genCtx, cancel := context.WithTimeout(ctx, a.generateTimeout)
	defer cancel()
	return a.generator.Generate(genCtx, prompt)
}

// normalize coerces raw generator output into exactly three captions,
// issuing at most one supplementary generator call on shortfall and
// padding the rest with the explicit placeholder.
func (a *App) normalize(ctx context.Context, prompt ai.CaptionPrompt, raw string) ([]string, error) {
	logger := util.LoggerFromContext(ctx)
	captions := parseCaptions(raw)
	if len(captions) < captionCount {
		supplement := prompt
		supplement.Count = captionCount - len(captions)
		extra, err := a.generateOnce(ctx, supplement)
		switch {
		case err != nil && len(captions) == 0:
			return nil, fmt.Errorf("%w: %v", ErrNoValidOutput, err)
		case err != nil:
			logger.Warn("supplementary generation failed, padding shortfall", "have", len(captions), "err", err)
		case extra.Unsafe:
			logger.Warn("supplementary generation blocked, padding shortfall", "have", len(captions), "reason", extra.UnsafeReason)
		default:
			captions = capCaptions(append(captions, parseCaptions(extra.Raw)...))
		}
	}
	captions = padCaptions(captions)
	if similarOpenings(captions[0], captions[1]) {
		// Flagged only; the pipeline favors availability over diversity.
		logger.Warn("captions share similar openings", "first", captions[0], "second", captions[1])
	}
	return captions, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
