package upload

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"

	"github.com/square-key-labs/avatarcall/src/logger"
)

// objectStore is the part of a storage bucket API the uploader needs
type objectStore interface {
	Put(key, contentType string, data []byte) error
	PublicURL(key string) string
}

// StorageConfig configures Supabase storage
type StorageConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
	Prefix         string
}

// StorageUploader puts recordings in object storage and, when an analyzer
// is set, analyses them
type StorageUploader struct {
	store    objectStore
	analyzer Analyzer
	prefix   string
	log      *logger.Logger
}

// NewStorageUploader creates an uploader backed by a Supabase bucket.
// analyzer may be nil.
func NewStorageUploader(cfg StorageConfig, analyzer Analyzer) (*StorageUploader, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return newStorageUploader(&supabaseBucket{client: client, bucket: cfg.Bucket}, analyzer, cfg.Prefix), nil
}

func newStorageUploader(store objectStore, analyzer Analyzer, prefix string) *StorageUploader {
	if prefix == "" {
		prefix = "recordings"
	}
	return &StorageUploader{
		store:    store,
		analyzer: analyzer,
		prefix:   prefix,
		log:      logger.WithPrefix("Upload"),
	}
}

// Upload stores the blob. Analysis failures are logged and leave the
// result without analysis; the upload itself still succeeds.
func (u *StorageUploader) Upload(ctx context.Context, callID string, blob Blob) (Result, error) {
	if callID == "" {
		callID = "unassigned-" + uuid.New().String()
	}
	key := path.Join(u.prefix, callID, fmt.Sprintf("%d.%s", time.Now().Unix(), blob.Extension))

	if err := u.store.Put(key, blob.ContentType, blob.Data); err != nil {
		return Result{}, fmt.Errorf("failed to upload recording: %w", err)
	}
	res := Result{URL: u.store.PublicURL(key)}
	u.log.Info("Uploaded recording %s (%d bytes)", key, len(blob.Data))

	if u.analyzer == nil {
		return res, nil
	}
	analysis, err := u.analyzer.Analyze(ctx, blob)
	if err != nil {
		u.log.Warn("Analysis failed for %s: %v", key, err)
		return res, nil
	}
	res.Analysis = analysis
	return res, nil
}

type supabaseBucket struct {
	client *supabase.Client
	bucket string
}

func (b *supabaseBucket) Put(key, contentType string, data []byte) error {
	upsert := true
	_, err := b.client.Storage.UploadFile(b.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	return err
}

func (b *supabaseBucket) PublicURL(key string) string {
	return b.client.Storage.GetPublicUrl(b.bucket, key).SignedURL
}
