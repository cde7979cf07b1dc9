package bucket

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/ragmind-backend/internal/pkg/ctxutil"
	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

// Publisher pushes processing artifacts (source files, page renders) to a
// GCS bucket so the frontend can fetch them without touching the document
// volume. It is optional: when no bucket is configured the app serves the
// same artifacts from /static instead and never constructs a Publisher.
type Publisher interface {
	Publish(ctx context.Context, key string, r io.Reader) (string, error)
	PublishFile(ctx context.Context, key, localPath string) (string, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	PublicURL(key string) string
	Close() error
}

type Config struct {
	Bucket    string
	CredsJSON string // inline JSON or a path to a credentials file
}

type publisher struct {
	log    *logger.Logger
	cfg    Config
	client *storage.Client
}

func New(log *logger.Logger, cfg Config) (Publisher, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("missing artifact bucket name")
	}

	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if creds := strings.TrimSpace(cfg.CredsJSON); creds != "" {
		if strings.HasPrefix(creds, "{") {
			opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
		} else {
			opts = append(opts, option.WithCredentialsFile(creds))
		}
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &publisher{
		log:    log.With("client", "ArtifactBucket", "bucket", cfg.Bucket),
		cfg:    cfg,
		client: client,
	}, nil
}

func (p *publisher) Publish(ctx context.Context, key string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key required")
	}
	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), 2*time.Minute)
	defer cancel()

	w := p.client.Bucket(p.cfg.Bucket).Object(key).NewWriter(ctx)
	if ct := contentTypeForKey(key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write %q to GCS: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %q: %w", key, err)
	}
	return p.PublicURL(key), nil
}

func (p *publisher) PublishFile(ctx context.Context, key, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	return p.Publish(ctx, key, f)
}

func (p *publisher) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), 30*time.Second)
	defer cancel()
	if err := p.client.Bucket(p.cfg.Bucket).Object(key).Delete(ctx); err != nil {
		if err == storage.ErrObjectNotExist {
			return nil
		}
		return fmt.Errorf("failed to delete GCS object %q: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix. Per-object failures are
// logged and skipped so one stuck object cannot block a document deletion;
// the sweeper retries the prefix later.
func (p *publisher) DeletePrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), 2*time.Minute)
	defer cancel()

	it := p.client.Bucket(p.cfg.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("list prefix %q: %w", prefix, err)
		}
		if err := p.client.Bucket(p.cfg.Bucket).Object(attrs.Name).Delete(ctx); err != nil && err != storage.ErrObjectNotExist {
			p.log.Warn("Failed to delete artifact object", "key", attrs.Name, "error", err)
		}
	}
	return nil
}

func (p *publisher) PublicURL(key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", p.cfg.Bucket, key)
}

func (p *publisher) Close() error {
	return p.client.Close()
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".jpg"), strings.HasSuffix(s, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(s, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".txt"), strings.HasSuffix(s, ".csv"):
		return "text/plain; charset=utf-8"
	default:
		return ""
	}
}

// ObjectKey builds the canonical bucket layout: everything for a document
// sits under its doc_id so deletion is a single prefix sweep.
func ObjectKey(docID string, parts ...string) string {
	return strings.Join(append([]string{docID}, parts...), "/")
}
