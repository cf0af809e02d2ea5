package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	pstorage "github.com/genai-merch/api/internal/platform/storage"
	"github.com/genai-merch/api/internal/repositories"
)

const (
	defaultMaxImageAssetSize = int64(25 * 1024 * 1024)  // 25 MiB
	maxPrintAssetSize        = int64(150 * 1024 * 1024) // 150 MiB
	maxArchiveAssetSize      = int64(100 * 1024 * 1024) // 100 MiB

	uploadIDPrefix = "upl_"

	assetLoggerEventValidation = "asset.upload.validate"
	assetLoggerEventIssued     = "asset.upload.issued"
	assetLoggerEventStored     = "asset.upload.stored"
	assetLoggerEventDownload   = "asset.download.issued"
)

var (
	// ErrAssetInvalidInput indicates the caller provided an invalid argument.
	ErrAssetInvalidInput = errors.New("asset service: invalid input")
	// ErrAssetUploadFailed indicates the object could not be stored.
	ErrAssetUploadFailed = errors.New("asset service: upload failed")
	// ErrAssetRepositoryUnavailable indicates the persistence layer is unavailable.
	ErrAssetRepositoryUnavailable = errors.New("asset service: repository unavailable")
	// ErrAssetRepositoryFailure wraps unexpected repository failures.
	ErrAssetRepositoryFailure = errors.New("asset service: repository failure")
	// ErrAssetForbidden indicates the caller lacks permission to access the asset.
	ErrAssetForbidden = errors.New("asset service: forbidden")
	// ErrAssetNotFound indicates the asset does not exist or is no longer available.
	ErrAssetNotFound = errors.New("asset service: not found")
	// ErrAssetUnavailable indicates the asset exists but is not ready for download.
	ErrAssetUnavailable = errors.New("asset service: unavailable")
)

// assetObjectWriter streams bytes into the asset bucket.
type assetObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, body io.Reader) (string, error)
}

// AssetServiceDeps wires dependencies for the asset service implementation.
// Writer and Bucket enable direct uploads; signed flows only need Repository.
type AssetServiceDeps struct {
	Repository  repositories.AssetRepository
	Writer      assetObjectWriter
	Bucket      string
	IDGenerator func() string
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type assetService struct {
	repo   repositories.AssetRepository
	writer assetObjectWriter
	bucket string
	newID  func() string
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

type assetKindPolicy struct {
	contentTypes []string
	maxSize      int64
}

var (
	// Signed flows cover every storage purpose the path builders know plus
	// generated previews, whose layout the repository decides.
	allowedAssetPurposes = map[string]struct{}{
		"logo":          {},
		"design-master": {},
		"preview":       {},
		"print-ready":   {},
		"canvas-export": {},
		"mockup":        {},
		"other":         {},
	}

	// logoAssetKinds are the only kinds accepted for brand logo uploads.
	logoAssetKinds = map[string]struct{}{
		"png":  {},
		"jpg":  {},
		"svg":  {},
		"webp": {},
	}

	assetKindPolicies = map[string]assetKindPolicy{
		"svg":  {contentTypes: []string{"image/svg+xml"}, maxSize: defaultMaxImageAssetSize},
		"png":  {contentTypes: []string{"image/png"}, maxSize: defaultMaxImageAssetSize},
		"jpg":  {contentTypes: []string{"image/jpeg", "image/jpg"}, maxSize: defaultMaxImageAssetSize},
		"webp": {contentTypes: []string{"image/webp"}, maxSize: defaultMaxImageAssetSize},
		"tiff": {contentTypes: []string{"image/tiff"}, maxSize: maxPrintAssetSize},
		"pdf":  {contentTypes: []string{"application/pdf"}, maxSize: defaultMaxImageAssetSize},
		"zip":  {contentTypes: []string{"application/zip", "application/x-zip-compressed"}, maxSize: maxArchiveAssetSize},
		"other": {
			contentTypes: []string{"*"},
			maxSize:      defaultMaxImageAssetSize,
		},
	}
)

// NewAssetService constructs an AssetService backed by the provided dependencies.
func NewAssetService(deps AssetServiceDeps) (AssetService, error) {
	if deps.Repository == nil {
		return nil, errors.New("asset service: repository is required")
	}

	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &assetService{
		repo:   deps.Repository,
		writer: deps.Writer,
		bucket: strings.TrimSpace(deps.Bucket),
		newID:  newID,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// UploadBrandAsset streams a logo file into the asset bucket and returns its
// public location. Only image kinds are accepted; the stream is capped at the
// kind's size limit.
func (s *assetService) UploadBrandAsset(ctx context.Context, cmd DirectUploadCommand) (UploadedFile, error) {
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		return UploadedFile{}, fmt.Errorf("%w: actor id is required", ErrAssetInvalidInput)
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return UploadedFile{}, fmt.Errorf("%w: session id is required", ErrAssetInvalidInput)
	}
	if cmd.Body == nil {
		return UploadedFile{}, fmt.Errorf("%w: upload body is required", ErrAssetInvalidInput)
	}

	contentType := strings.ToLower(strings.TrimSpace(cmd.ContentType))
	kind := kindForContentType(contentType)
	if _, ok := logoAssetKinds[kind]; !ok {
		return UploadedFile{}, fmt.Errorf("%w: logo uploads accept png, jpg, svg or webp, got %q", ErrAssetInvalidInput, cmd.ContentType)
	}
	policy := assetKindPolicies[kind]
	if cmd.SizeBytes <= 0 {
		return UploadedFile{}, fmt.Errorf("%w: size_bytes must be positive", ErrAssetInvalidInput)
	}
	if cmd.SizeBytes > policy.maxSize {
		return UploadedFile{}, fmt.Errorf("%w: size_bytes exceeds maximum (%d)", ErrAssetInvalidInput, policy.maxSize)
	}
	if s.writer == nil || s.bucket == "" {
		return UploadedFile{}, fmt.Errorf("%w: storage writer is not configured", ErrAssetUploadFailed)
	}

	fileName := strings.TrimSpace(cmd.FileName)
	if fileName == "" {
		fileName = "logo." + kind
	}

	objectPath, err := pstorage.BuildObjectPath(pstorage.PurposeLogo, pstorage.PathParams{
		SessionID: sessionID,
		UploadID:  uploadIDPrefix + s.newID(),
		FileName:  fileName,
	})
	if err != nil {
		return UploadedFile{}, fmt.Errorf("%w: %v", ErrAssetInvalidInput, err)
	}

	counted := &countingReader{reader: io.LimitReader(cmd.Body, policy.maxSize+1)}
	url, err := s.writer.WriteObject(ctx, s.bucket, objectPath, contentType, counted)
	if err != nil {
		s.logger(ctx, "asset.upload.store_failed", map[string]any{
			"sessionId": sessionID,
			"path":      objectPath,
			"error":     err.Error(),
		})
		return UploadedFile{}, fmt.Errorf("%w: %v", ErrAssetUploadFailed, err)
	}
	if counted.total > policy.maxSize {
		return UploadedFile{}, fmt.Errorf("%w: payload exceeds maximum (%d)", ErrAssetInvalidInput, policy.maxSize)
	}

	s.logger(ctx, assetLoggerEventStored, map[string]any{
		"actorId":   actorID,
		"sessionId": sessionID,
		"path":      objectPath,
		"size":      counted.total,
	})
	return UploadedFile{
		URL:        url,
		Path:       objectPath,
		Bucket:     s.bucket,
		SizeBytes:  counted.total,
		UploadedAt: s.clock(),
	}, nil
}

func (s *assetService) IssueSignedUpload(ctx context.Context, cmd SignedUploadCommand) (SignedAssetResponse, error) {
	params, err := s.validateUploadInput(cmd)
	if err != nil {
		return SignedAssetResponse{}, err
	}

	s.logger(ctx, assetLoggerEventValidation, map[string]any{
		"actorId": params.actorID,
		"kind":    params.kind,
		"purpose": params.purpose,
		"size":    params.sizeBytes,
	})

	record := repositories.SignedUploadRecord{
		ActorID:     params.actorID,
		SessionID:   params.sessionID,
		Kind:        params.kind,
		Purpose:     params.purpose,
		FileName:    params.fileName,
		ContentType: params.contentType,
		SizeBytes:   params.sizeBytes,
	}

	response, err := s.repo.CreateSignedUpload(ctx, record)
	if err != nil {
		return SignedAssetResponse{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, assetLoggerEventIssued, map[string]any{
		"actorId":    params.actorID,
		"assetId":    response.AssetID,
		"method":     response.Method,
		"expiresAt":  response.ExpiresAt,
		"uploadSize": params.sizeBytes,
	})

	return response, nil
}

func (s *assetService) IssueSignedDownload(ctx context.Context, cmd SignedDownloadCommand) (SignedAssetResponse, error) {
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		return SignedAssetResponse{}, fmt.Errorf("%w: actor id is required", ErrAssetInvalidInput)
	}

	assetID := strings.TrimSpace(cmd.AssetID)
	if assetID == "" {
		return SignedAssetResponse{}, fmt.Errorf("%w: asset id is required", ErrAssetInvalidInput)
	}

	response, err := s.repo.CreateSignedDownload(ctx, repositories.SignedDownloadRecord{
		ActorID: actorID,
		AssetID: assetID,
	})
	if err != nil {
		return SignedAssetResponse{}, s.mapDownloadError(err)
	}

	s.logger(ctx, assetLoggerEventDownload, map[string]any{
		"actorId":   actorID,
		"assetId":   response.AssetID,
		"expiresAt": response.ExpiresAt,
	})

	return response, nil
}

type uploadParams struct {
	actorID     string
	sessionID   *string
	kind        string
	purpose     string
	fileName    string
	contentType string
	sizeBytes   int64
}

func (s *assetService) validateUploadInput(cmd SignedUploadCommand) (uploadParams, error) {
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		return uploadParams{}, fmt.Errorf("%w: actor id is required", ErrAssetInvalidInput)
	}

	var sessionID *string
	if cmd.SessionID != nil {
		if trimmed := strings.TrimSpace(*cmd.SessionID); trimmed != "" {
			sessionID = &trimmed
		}
	}

	kind := strings.ToLower(strings.TrimSpace(cmd.Kind))
	policy, ok := assetKindPolicies[kind]
	if !ok {
		return uploadParams{}, fmt.Errorf("%w: asset kind %q not allowed", ErrAssetInvalidInput, cmd.Kind)
	}

	purpose := strings.ToLower(strings.TrimSpace(cmd.Purpose))
	if _, ok := allowedAssetPurposes[purpose]; !ok {
		return uploadParams{}, fmt.Errorf("%w: asset purpose %q not allowed", ErrAssetInvalidInput, cmd.Purpose)
	}
	if purpose == "logo" {
		if _, ok := logoAssetKinds[kind]; !ok {
			return uploadParams{}, fmt.Errorf("%w: logo uploads accept png, jpg, svg or webp, got %q", ErrAssetInvalidInput, cmd.Kind)
		}
	}

	contentType := strings.ToLower(strings.TrimSpace(cmd.ContentType))
	if contentType == "" {
		return uploadParams{}, fmt.Errorf("%w: content_type is required", ErrAssetInvalidInput)
	}
	if !contentTypeAllowed(contentType, policy.contentTypes) {
		return uploadParams{}, fmt.Errorf("%w: content_type %q not allowed for kind %q", ErrAssetInvalidInput, contentType, kind)
	}

	size := cmd.SizeBytes
	if size <= 0 {
		return uploadParams{}, fmt.Errorf("%w: size_bytes must be positive", ErrAssetInvalidInput)
	}
	if policy.maxSize > 0 && size > policy.maxSize {
		return uploadParams{}, fmt.Errorf("%w: size_bytes exceeds maximum (%d)", ErrAssetInvalidInput, policy.maxSize)
	}

	fileName := strings.TrimSpace(cmd.FileName)
	if fileName == "" {
		fileName = fmt.Sprintf("%s_%d", kind, s.clock().UnixNano())
	}

	return uploadParams{
		actorID:     actorID,
		sessionID:   sessionID,
		kind:        kind,
		purpose:     purpose,
		fileName:    fileName,
		contentType: contentType,
		sizeBytes:   size,
	}, nil
}

func (s *assetService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrAssetRepositoryUnavailable, err)
		default:
			return fmt.Errorf("%w: %v", ErrAssetRepositoryFailure, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrAssetRepositoryFailure, err)
}

func (s *assetService) mapDownloadError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, pstorage.ErrPermissionDenied):
		return ErrAssetForbidden
	case errors.Is(err, repositories.ErrAssetNotReady):
		return ErrAssetUnavailable
	case errors.Is(err, repositories.ErrAssetSoftDeleted):
		return ErrAssetNotFound
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrAssetNotFound
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrAssetRepositoryUnavailable, err)
		default:
			return fmt.Errorf("%w: %v", ErrAssetRepositoryFailure, err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %v", ErrAssetRepositoryFailure, err)
}

func kindForContentType(contentType string) string {
	switch contentType {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/svg+xml":
		return "svg"
	case "image/webp":
		return "webp"
	case "image/tiff":
		return "tiff"
	case "application/pdf":
		return "pdf"
	case "application/zip", "application/x-zip-compressed":
		return "zip"
	default:
		return ""
	}
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == "" {
			continue
		}
		if candidate == "*" {
			return true
		}
		if strings.HasSuffix(candidate, "/*") {
			prefix := strings.TrimSuffix(candidate, "*")
			if strings.HasPrefix(ct, strings.TrimSuffix(prefix, "/")) {
				return true
			}
			continue
		}
		if ct == candidate {
			return true
		}
	}
	return false
}

// countingReader tracks bytes passed through to the storage writer.
type countingReader struct {
	reader io.Reader
	total  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.total += int64(n)
	return n, err
}
