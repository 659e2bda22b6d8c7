package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/session-file-server/interfaces"
)

// Object metadata keys as returned by the SDK (canonical header form).
const (
	s3MetaUploaded = "Uploaded"
	s3MetaExpiry   = "Expiry"
)

// S3Backend implements a storage backend using Amazon S3 or compatible services.
// Upload and expiry times are kept in object metadata.
//
// Insert checks for an existing object before writing; S3 has no conditional
// create, so two concurrent inserts of the same id may both succeed. Only
// content-addressed stores, where the bytes are identical, should be S3.
type S3Backend struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates a new S3 storage backend. Without credentials the
// SDK's default chain is used.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: s3LocationURI(bucketName, prefix, region, endpoint, accessKey),
	}, nil
}

// Session calls fn directly; the SDK client manages its own connections.
func (b *S3Backend) Session(ctx context.Context, fn func(ctx context.Context, s interfaces.FileSession) error) error {
	return fn(ctx, b)
}

func (b *S3Backend) Insert(ctx context.Context, rec *interfaces.FileRecord) error {
	_, err := b.head(ctx, rec.ID)
	if err == nil {
		return fmt.Errorf("%w: %s", interfaces.ErrDuplicate, rec.ID)
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return err
	}
	return b.put(ctx, rec)
}

// Upsert uploads a new object, or replaces only the metadata of an existing
// one with a copy onto itself.
func (b *S3Backend) Upsert(ctx context.Context, rec *interfaces.FileRecord) error {
	_, err := b.head(ctx, rec.ID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return b.put(ctx, rec)
	}
	if err != nil {
		return err
	}

	key := b.objectKey(rec.ID)
	_, err = b.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(b.bucketName),
		Key:               aws.String(key),
		CopySource:        aws.String(copySource(b.bucketName, key)),
		Metadata:          objectMetadata(rec.Uploaded, rec.Expiry),
		MetadataDirective: aws.String(s3.MetadataDirectiveReplace),
	})
	if err != nil {
		return fmt.Errorf("failed to refresh object metadata in S3: %w", err)
	}
	return nil
}

func (b *S3Backend) Get(ctx context.Context, id string) (*interfaces.FileRecord, error) {
	start := time.Now()
	key := b.objectKey(id)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, interfaces.ErrNotFound
		}
		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", key),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	uploaded, expiry, err := parseObjectMetadata(result.Metadata)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", key, err)
	}

	b.log.Debug("Fetched file from S3",
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return &interfaces.FileRecord{ID: id, Data: data, Uploaded: uploaded, Expiry: expiry}, nil
}

func (b *S3Backend) Info(ctx context.Context, id string) (*interfaces.FileInfo, error) {
	head, err := b.head(ctx, id)
	if err != nil {
		return nil, err
	}

	uploaded, expiry, err := parseObjectMetadata(head.Metadata)
	if err != nil {
		return nil, fmt.Errorf("object %s: %w", b.objectKey(id), err)
	}

	return &interfaces.FileInfo{
		Size:     int(aws.Int64Value(head.ContentLength)),
		Uploaded: uploaded,
		Expiry:   expiry,
	}, nil
}

func (b *S3Backend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var keys []string
	err := b.list(ctx, func(obj *s3.Object) {
		keys = append(keys, aws.StringValue(obj.Key))
	})
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, key := range keys {
		head, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucketName),
			Key:    aws.String(key),
		})
		if isS3NotFound(err) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to head object in S3: %w", err)
		}

		_, expiry, err := parseObjectMetadata(head.Metadata)
		if err != nil {
			b.log.Warn("Skipping S3 object without expiry", slog.String("key", key), "err", err)
			continue
		}
		if expiry.After(now) {
			continue
		}

		if _, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucketName),
			Key:    aws.String(key),
		}); err != nil {
			return deleted, fmt.Errorf("failed to delete object from S3: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

func (b *S3Backend) Stats(ctx context.Context) (interfaces.StoreStats, error) {
	var stats interfaces.StoreStats
	err := b.list(ctx, func(obj *s3.Object) {
		stats.Files++
		stats.Bytes += aws.Int64Value(obj.Size)
	})
	return stats, err
}

// Available checks if the S3 backend is accessible by attempting to head the bucket.
func (b *S3Backend) Available(ctx context.Context) bool {
	start := time.Now()

	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) Close() error {
	return nil
}

func (b *S3Backend) put(ctx context.Context, rec *interfaces.FileRecord) error {
	key := b.objectKey(rec.ID)
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(rec.Data),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    objectMetadata(rec.Uploaded, rec.Expiry),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored file in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key))
	return nil
}

func (b *S3Backend) head(ctx context.Context, id string) (*s3.HeadObjectOutput, error) {
	head, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(id)),
	})
	if isS3NotFound(err) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to head object in S3: %w", err)
	}
	return head, nil
}

func (b *S3Backend) list(ctx context.Context, fn func(obj *s3.Object)) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucketName)}
	if b.prefix != "" {
		input.Prefix = aws.String(b.prefix + "/")
	}

	err := b.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			fn(obj)
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to list objects in S3: %w", err)
	}
	return nil
}

// objectKey generates an S3 object key for a file id.
func (b *S3Backend) objectKey(id string) string {
	if b.prefix == "" {
		return id
	}
	return path.Join(b.prefix, id)
}

func objectMetadata(uploaded, expiry time.Time) map[string]*string {
	return aws.StringMap(map[string]string{
		s3MetaUploaded: strconv.FormatFloat(UnixSeconds(uploaded), 'f', -1, 64),
		s3MetaExpiry:   strconv.FormatFloat(UnixSeconds(expiry), 'f', -1, 64),
	})
}

func parseObjectMetadata(md map[string]*string) (uploaded, expiry time.Time, err error) {
	values := aws.StringValueMap(md)

	up, err := strconv.ParseFloat(values[s3MetaUploaded], 64)
	if err != nil {
		return uploaded, expiry, fmt.Errorf("invalid upload time metadata: %w", err)
	}
	exp, err := strconv.ParseFloat(values[s3MetaExpiry], 64)
	if err != nil {
		return uploaded, expiry, fmt.Errorf("invalid expiry metadata: %w", err)
	}
	return FromUnixSeconds(up), FromUnixSeconds(exp), nil
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}

func copySource(bucket, key string) string {
	return (&url.URL{Path: bucket + "/" + key}).EscapedPath()
}

// s3LocationURI formats the backend URI with the secret left out.
func s3LocationURI(bucketName, prefix, region, endpoint, accessKey string) string {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, strings.Trim(prefix, "/"), region)
	if accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", accessKey, bucketName, strings.Trim(prefix, "/"), region)
	}
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", url.QueryEscape(endpoint))
	}
	return uri
}
