package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/habitaro/extraction-backend/internal/logger"
)

// BucketService is the single contract bucket every pipeline artifact
// lives in. Keys are laid out under contracts/{job_id}/...
type BucketService interface {
	BucketName() string
	ObjectURI(key string) string
	UploadBytes(ctx context.Context, key string, data []byte) (string, error)
	UploadJSON(ctx context.Context, key string, v any) (string, error)
	UploadFile(ctx context.Context, key string, file io.Reader) (string, error)
	DownloadFile(ctx context.Context, key string) (io.ReadCloser, error)
	DownloadBytes(ctx context.Context, key string) ([]byte, error)
	DeleteFile(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	GetPublicURL(key string) string
	EnsureBucket(ctx context.Context) error
	Close() error
}

type bucketService struct {
	log    *logger.Logger
	client *storage.Client

	bucket        string
	storageMode   ObjectStorageMode
	emulatorHost  string
	cdnBaseURL    string
	publicBaseURL string
}

func NewBucketService(log *logger.Logger) (BucketService, error) {
	storageCfg, err := ResolveObjectStorageConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewBucketServiceWithConfig(log, storageCfg)
}

func NewBucketServiceWithConfig(log *logger.Logger, storageCfg ObjectStorageConfig) (BucketService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	serviceLog := log.With("service", "gcp.BucketService")

	if err := ValidateObjectStorageConfig(storageCfg); err != nil {
		return nil, err
	}

	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET_NAME"))
	if bucket == "" {
		return nil, fmt.Errorf("GCS_BUCKET_NAME is required")
	}

	ctx := context.Background()
	client, err := newStorageClientForMode(ctx, storageCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	publicBaseURL, publicBaseSource, err := resolvePublicBaseURL(storageCfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	serviceLog.Info(
		"Object storage initialized",
		"mode", storageCfg.Mode,
		"mode_source", storageCfg.ModeSource(),
		"emulator_host", storageCfg.EmulatorHost,
		"public_base_source", publicBaseSource,
		"public_base_url", publicBaseURL,
		"bucket", bucket,
	)

	return &bucketService{
		log:           serviceLog,
		client:        client,
		bucket:        bucket,
		storageMode:   storageCfg.Mode,
		emulatorHost:  strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/"),
		cdnBaseURL:    strings.TrimRight(strings.TrimSpace(os.Getenv("GCS_CDN_BASE_URL")), "/"),
		publicBaseURL: publicBaseURL,
	}, nil
}

func newStorageClientForMode(ctx context.Context, storageCfg ObjectStorageConfig) (*storage.Client, error) {
	switch storageCfg.Mode {
	case ObjectStorageModeGCS:
		opts := ClientOptionsFromEnv()
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
		return storage.NewClient(ctx, opts...)
	case ObjectStorageModeGCSEmulator:
		endpoint := strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/")
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	default:
		return nil, fmt.Errorf("invalid object storage mode %q", storageCfg.Mode)
	}
}

func resolvePublicBaseURL(storageCfg ObjectStorageConfig) (baseURL string, source string, err error) {
	raw := strings.TrimSpace(os.Getenv("OBJECT_STORAGE_PUBLIC_BASE_URL"))
	if raw != "" {
		parsed, parseErr := url.Parse(raw)
		if parseErr != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
			return "", "", fmt.Errorf(
				"invalid OBJECT_STORAGE_PUBLIC_BASE_URL=%q; expected absolute URL like http://localhost:4443",
				raw,
			)
		}
		return strings.TrimRight(raw, "/"), "object_storage_public_base_url", nil
	}
	if storageCfg.IsEmulatorMode() {
		return strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/"), "storage_emulator_host", nil
	}
	return "", "gcs_default", nil
}

func (bs *bucketService) BucketName() string {
	return bs.bucket
}

func (bs *bucketService) ObjectURI(key string) string {
	return fmt.Sprintf("gs://%s/%s", bs.bucket, strings.TrimLeft(strings.TrimSpace(key), "/"))
}

func (bs *bucketService) UploadBytes(ctx context.Context, key string, data []byte) (string, error) {
	return bs.UploadFile(ctx, key, bytes.NewReader(data))
}

func (bs *bucketService) UploadJSON(ctx context.Context, key string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return bs.UploadBytes(ctx, key, data)
}

func (bs *bucketService) UploadFile(ctx context.Context, key string, file io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := bs.client.Bucket(bs.bucket).Object(key).NewWriter(ctx)
	if ct := contentTypeForKey(key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return bs.ObjectURI(key), nil
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	if s == "" {
		return ""
	}
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".webp"):
		return "image/webp"
	case strings.HasSuffix(s, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".md"):
		return "text/markdown"
	case strings.HasSuffix(s, ".txt"):
		return "text/plain; charset=utf-8"
	default:
		return ""
	}
}

// Cancel must ride along with the reader. Canceling before the caller
// reads would hand back a reader that yields 0 bytes.
type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

func (bs *bucketService) isEmulatorMode() bool {
	return bs != nil && bs.storageMode == ObjectStorageModeGCSEmulator && strings.TrimSpace(bs.emulatorHost) != ""
}

func (bs *bucketService) emulatorObjectMediaURL(key string) string {
	return fmt.Sprintf(
		"%s/storage/v1/b/%s/o/%s?alt=media",
		bs.emulatorHost,
		url.PathEscape(bs.bucket),
		url.PathEscape(key),
	)
}

func (bs *bucketService) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	if bs.isEmulatorMode() {
		ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
		req, err := http.NewRequestWithContext(ctx2, http.MethodGet, bs.emulatorObjectMediaURL(key), nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed creating emulator download request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed emulator download request: %w", err)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("emulator download failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return &readCloserWithCancel{ReadCloser: resp.Body, cancel: cancel}, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := bs.client.Bucket(bs.bucket).Object(key).NewReader(ctx2)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open GCS reader: %w", err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (bs *bucketService) DownloadBytes(ctx context.Context, key string) ([]byte, error) {
	rc, err := bs.DownloadFile(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (bs *bucketService) DeleteFile(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := bs.client.Bucket(bs.bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (bs *bucketService) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := bs.ListKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		_ = bs.DeleteFile(ctx, k)
	}
	return nil
}

func (bs *bucketService) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	it := bs.client.Bucket(bs.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (bs *bucketService) GetPublicURL(key string) string {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if bs.cdnBaseURL != "" {
		return fmt.Sprintf("%s/%s", bs.cdnBaseURL, key)
	}
	if bs.isEmulatorMode() {
		base := bs.publicBaseURL
		if base == "" {
			base = bs.emulatorHost
		}
		return fmt.Sprintf(
			"%s/storage/v1/b/%s/o/%s?alt=media",
			strings.TrimRight(base, "/"),
			url.PathEscape(bs.bucket),
			url.PathEscape(key),
		)
	}
	if bs.publicBaseURL != "" {
		return fmt.Sprintf("%s/%s/%s", bs.publicBaseURL, bs.bucket, key)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bs.bucket, key)
}

// EnsureBucket creates the bucket when it does not exist yet. Only the
// emulator and dev projects need this; production buckets are
// provisioned out of band.
func (bs *bucketService) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := bs.client.Bucket(bs.bucket).Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("failed to probe bucket %s: %w", bs.bucket, err)
	}

	project := strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT"))
	if project == "" {
		project = "local"
	}
	if err := bs.client.Bucket(bs.bucket).Create(ctx, project, nil); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bs.bucket, err)
	}
	bs.log.Info("Bucket created", "bucket", bs.bucket)
	return nil
}

func (bs *bucketService) Close() error {
	if bs == nil || bs.client == nil {
		return nil
	}
	return bs.client.Close()
}
