package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/geoattend-api/internal/dto"
	"github.com/noah-isme/geoattend-api/internal/models"
	appErrors "github.com/noah-isme/geoattend-api/pkg/errors"
	"github.com/noah-isme/geoattend-api/pkg/storage"
)

const (
	photoScope    = "photo"
	photoSubject  = "download"
	sniffLen      = 512
	photoRefRoot  = "sessions"
	defaultPrefix = "/api/v1"
)

var photoExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

type photoStorage interface {
	SaveStream(filename string, r io.Reader, maxBytes int64) (int64, error)
	Open(filename string) (*os.File, error)
	Exists(filename string) bool
	Delete(filename string) error
}

type tokenSigner interface {
	Generate(scope, subject, relPath string) (string, time.Time, error)
	Parse(token, scope string, allowExpired bool) (*storage.Grant, error)
}

type photoSubmitter interface {
	SubmitPhoto(ctx context.Context, sessionID string, req dto.SubmitPhotoRequest, actor *models.JWTClaims) (*dto.PhotoResult, error)
}

// PhotoLinker turns stored selfie references into signed download links.
type PhotoLinker struct {
	files  photoStorage
	signer tokenSigner
	prefix string
}

// NewPhotoLinker constructs a PhotoLinker serving links under apiPrefix.
func NewPhotoLinker(files photoStorage, signer tokenSigner, apiPrefix string) *PhotoLinker {
	prefix := strings.TrimRight(apiPrefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &PhotoLinker{files: files, signer: signer, prefix: prefix}
}

// PhotoURL returns a signed link for locally stored selfies. External
// http(s) references are passed through; anything else has no link.
func (l *PhotoLinker) PhotoURL(ref string) (*string, error) {
	if isExternalRef(ref) {
		return &ref, nil
	}
	if !l.files.Exists(ref) {
		return nil, nil
	}
	token, _, err := l.signer.Generate(photoScope, photoSubject, ref)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/photos/%s", l.prefix, token)
	return &url, nil
}

func isExternalRef(ref string) bool {
	return strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://")
}

// ownsPhotoRef reports whether ref may be recorded for userID in sessionID:
// an external link, or a stored file under that student's session folder.
func ownsPhotoRef(sessionID, userID, ref string) bool {
	if isExternalRef(ref) {
		return true
	}
	dir := path.Join(photoRefRoot, sessionID, userID) + "/"
	return path.Clean(ref) == ref && strings.HasPrefix(ref, dir) && len(ref) > len(dir)
}

// PhotoConfig bounds accepted selfie uploads.
type PhotoConfig struct {
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
}

// PhotoUpload is a selfie file streamed from a multipart request.
type PhotoUpload struct {
	UploadToken string
	File        io.Reader
	Size        int64
}

// StoredPhoto is an opened selfie ready to be streamed back.
type StoredPhoto struct {
	File        *os.File
	ContentType string
	Name        string
}

// PhotoService stores uploaded selfies and serves signed downloads.
type PhotoService struct {
	checkins photoSubmitter
	files    photoStorage
	uploads  tokenSigner
	links    tokenSigner
	metrics  *MetricsService
	logger   *zap.Logger
	allowed  map[string]struct{}
	maxBytes int64
}

// NewPhotoService constructs a PhotoService. Upload slots and download links
// are signed by separate signers so their lifetimes can differ.
func NewPhotoService(checkins photoSubmitter, files photoStorage, uploads, links tokenSigner, metrics *MetricsService, logger *zap.Logger, cfg PhotoConfig) *PhotoService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = 5 << 20
	}
	allowed := make(map[string]struct{})
	for _, mime := range cfg.AllowedMIMEs {
		mime = strings.ToLower(strings.TrimSpace(mime))
		if _, ok := photoExtensions[mime]; ok {
			allowed[mime] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		for mime := range photoExtensions {
			allowed[mime] = struct{}{}
		}
	}
	return &PhotoService{
		checkins: checkins,
		files:    files,
		uploads:  uploads,
		links:    links,
		metrics:  metrics,
		logger:   logger,
		allowed:  allowed,
		maxBytes: cfg.MaxFileSizeBytes,
	}
}

// Upload stores a selfie bound to the caller's upload slot and records it on
// the roster. The stored file is removed if the roster rejects it.
func (s *PhotoService) Upload(ctx context.Context, sessionID string, upload PhotoUpload, actor *models.JWTClaims) (*dto.PhotoResult, error) {
	if err := requireStudent(actor); err != nil {
		return nil, err
	}
	if upload.File == nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "photo file is required")
	}
	if upload.Size > s.maxBytes {
		s.metrics.RecordPhoto(PhotoRejected)
		return nil, appErrors.Clone(appErrors.ErrPayloadTooLarge, fmt.Sprintf("photo exceeds %d bytes", s.maxBytes))
	}

	grant, err := s.uploads.Parse(upload.UploadToken, uploadScope, false)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid upload token")
	}
	if grant.Subject != UploadSubject(sessionID, actor.UserID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "upload token belongs to another slot")
	}

	reader := bufio.NewReaderSize(upload.File, sniffLen)
	head, err := reader.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "failed to read photo")
	}
	if len(head) == 0 {
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, "photo file is empty")
	}
	contentType := http.DetectContentType(head)
	ext, ok := s.extensionFor(contentType)
	if !ok {
		s.metrics.RecordPhoto(PhotoRejected)
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("unsupported photo type %s", contentType))
	}

	ref := path.Join(photoRefRoot, sessionID, actor.UserID, uuid.NewString()+"."+ext)
	if _, err := s.files.SaveStream(ref, reader, s.maxBytes); err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			s.metrics.RecordPhoto(PhotoRejected)
			return nil, appErrors.Clone(appErrors.ErrPayloadTooLarge, fmt.Sprintf("photo exceeds %d bytes", s.maxBytes))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store photo")
	}

	result, err := s.checkins.SubmitPhoto(ctx, sessionID, dto.SubmitPhotoRequest{PhotoRef: ref}, actor)
	if err != nil {
		if delErr := s.files.Delete(ref); delErr != nil {
			s.logger.Warn("failed to remove rejected photo", zap.String("photo_ref", ref), zap.Error(delErr))
		}
		return nil, err
	}
	return result, nil
}

// Open resolves a signed download token to the stored selfie.
func (s *PhotoService) Open(token string) (*StoredPhoto, error) {
	grant, err := s.links.Parse(token, photoScope, false)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "photo link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrNotFound, "photo not found")
	}
	file, err := s.files.Open(grant.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrInvalidPath) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "photo not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open photo")
	}
	return &StoredPhoto{File: file, ContentType: contentTypeFor(grant.Path), Name: path.Base(grant.Path)}, nil
}

func (s *PhotoService) extensionFor(contentType string) (string, bool) {
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if _, ok := s.allowed[mime]; !ok {
		return "", false
	}
	ext, ok := photoExtensions[mime]
	return ext, ok
}

func contentTypeFor(ref string) string {
	ext := strings.TrimPrefix(path.Ext(ref), ".")
	for mime, e := range photoExtensions {
		if e == ext {
			return mime
		}
	}
	return "application/octet-stream"
}
