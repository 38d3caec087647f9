// SPDX-License-Identifier: LGPL-3.0-or-later

package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"backupvault/logger"
	"backupvault/retry"
)

// ObjectStoreConfig configures an S3-compatible destination.
type ObjectStoreConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // non-empty selects an S3-compatible endpoint (MinIO, etc.)
	AccessKey string
	SecretKey string
	Retry     *retry.Config
}

// ObjectStore copies files to an S3-compatible bucket.
type ObjectStore struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      logger.Logger
	retryer  *retry.Retryer
}

// NewObjectStore builds an ObjectStore client, using static credentials
// when provided and falling back to the default AWS credential chain
// otherwise.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig, log logger.Logger) (*ObjectStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load object store credentials: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 5
	})

	return &ObjectStore{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		log:      log,
		retryer:  retry.New(cfg.Retry, log),
	}, nil
}

func (o *ObjectStore) Kind() string { return "object_store" }

func (o *ObjectStore) key(relPath string) string {
	if o.prefix == "" {
		return filepath.ToSlash(relPath)
	}
	return filepath.ToSlash(filepath.Join(o.prefix, relPath))
}

func (o *ObjectStore) Put(ctx context.Context, localPath, relPath string, progress ProgressFunc) error {
	file, err := os.Open(localPath)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("open source file: %w", err))
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("stat source file: %w", err))
	}

	return o.PutStream(ctx, file, relPath, info.Size(), progress)
}

func (o *ObjectStore) PutStream(ctx context.Context, r io.Reader, relPath string, size int64, progress ProgressFunc) error {
	key := o.key(relPath)

	return o.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			o.log.Info("uploading to object store", "bucket", o.bucket, "key", key, "size", size)
		} else {
			o.log.Info("retrying object store upload", "bucket", o.bucket, "key", key, "attempt", attempt)
		}

		body := &progressReader{reader: r, size: size, onProgress: progress}

		_, err := o.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(key),
			Body:   body,
		})
		if err != nil {
			return fmt.Errorf("upload to object store: %w", err)
		}
		return nil
	}, fmt.Sprintf("object store upload %s", key))
}

func (o *ObjectStore) PutSymlink(ctx context.Context, target, relPath string) error {
	return ErrSymlinksUnsupported
}

func (o *ObjectStore) ReadSymlink(ctx context.Context, relPath string) (string, error) {
	return "", ErrSymlinksUnsupported
}

func (o *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	var token *string
	for {
		page, err := o.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(o.bucket),
			Prefix:            aws.String(o.key(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list object store keys: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			rel := strings.TrimPrefix(*obj.Key, o.prefix)
			rel = strings.TrimPrefix(rel, "/")
			out = append(out, rel)
		}
		if page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	return out, nil
}

func (o *ObjectStore) Get(ctx context.Context, relPath, localPath string, progress ProgressFunc) error {
	key := o.key(relPath)

	return o.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		result, err := o.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var notFound *types.NoSuchKey
			if errors.As(err, &notFound) {
				return retry.NonRetryable(fmt.Errorf("object not found: %w", err))
			}
			return fmt.Errorf("get object: %w", err)
		}
		defer result.Body.Close()

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return retry.NonRetryable(fmt.Errorf("create local directory: %w", err))
		}
		file, err := os.Create(localPath)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("create local file: %w", err))
		}
		defer file.Close()

		size := int64(0)
		if result.ContentLength != nil {
			size = *result.ContentLength
		}

		_, err = copyWithProgress(result.Body, file, size, progress)
		return err
	}, fmt.Sprintf("object store download %s", key))
}

func (o *ObjectStore) Remove(ctx context.Context, relPath string) error {
	key := o.key(relPath)
	return o.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		_, err := o.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete object: %w", err)
		}
		return nil
	}, fmt.Sprintf("object store delete %s", key))
}

func (o *ObjectStore) Close() error { return nil }

type progressReader struct {
	reader     io.Reader
	size       int64
	read       int64
	onProgress ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.read += int64(n)
	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.size)
	}
	return n, err
}
