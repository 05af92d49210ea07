package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3Store keeps one JSON object per document:
//
//	<prefix><collection>/<key>.json
//
// Works with AWS S3 and S3-compatible servers (MinIO) via S3_ENDPOINT.
type s3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// s3StoreConfig mirrors the S3_* environment variables
type s3StoreConfig struct {
	Bucket    string
	Region    string
	Endpoint  string // optional; set for MinIO and friends
	PathStyle bool
	Prefix    string
}

const jsonSuffix = ".json"

// openS3Store builds a client from the default AWS credential chain
// (AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY, shared config, instance role).
func openS3Store(ctx context.Context, cfg s3StoreConfig) (*s3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// Plain bodies; S3-compatible servers do not all understand aws-chunked trailers
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return newS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client *s3.Client, bucket, prefix string) *s3Store {
	return &s3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *s3Store) collectionPrefix(collection string) string {
	return s.prefix + collection + "/"
}

func (s *s3Store) objectKey(collection, key string) string {
	return s.collectionPrefix(collection) + key + jsonSuffix
}

// List pages through the collection prefix and fetches each object.
// S3 returns keys in lexicographic order, so documents come back sorted.
func (s *s3Store) List(ctx context.Context, collection string) ([]Document, error) {
	prefix := s.collectionPrefix(collection)
	docs := []Document{}

	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objKey := aws.ToString(obj.Key)
			key, ok := strings.CutSuffix(strings.TrimPrefix(objKey, prefix), jsonSuffix)
			if !ok || key == "" || strings.Contains(key, "/") {
				continue
			}
			data, _, err := s.fetch(ctx, objKey)
			if errors.Is(err, ErrNotFound) {
				// deleted between LIST and GET
				continue
			}
			if err != nil {
				return nil, err
			}
			docs = append(docs, Document{Key: key, Data: data})
		}
	}
	return docs, nil
}

func (s *s3Store) Get(ctx context.Context, collection, key string) ([]byte, error) {
	data, _, err := s.fetch(ctx, s.objectKey(collection, key))
	return data, err
}

func (s *s3Store) Set(ctx context.Context, collection, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(collection, key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (s *s3Store) Delete(ctx context.Context, collection, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(collection, key)),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Update uses S3 conditional writes. The put carries If-Match with the ETag we
// read (or If-None-Match: * when the object was absent); a 412 means someone
// else wrote first, so we read again and retry.
func (s *s3Store) Update(ctx context.Context, collection, key string, fn UpdateFunc) error {
	objKey := s.objectKey(collection, key)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, etag, err := s.fetch(ctx, objKey)
		if errors.Is(err, ErrNotFound) {
			current, etag = nil, ""
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		switch {
		case next == nil && current == nil:
			return nil
		case next == nil:
			_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket:  aws.String(s.bucket),
				Key:     aws.String(objKey),
				IfMatch: aws.String(etag),
			})
		default:
			input := &s3.PutObjectInput{
				Bucket:      aws.String(s.bucket),
				Key:         aws.String(objKey),
				Body:        bytes.NewReader(next),
				ContentType: aws.String("application/json"),
			}
			if current == nil {
				input.IfNoneMatch = aws.String("*")
			} else {
				input.IfMatch = aws.String(etag)
			}
			_, err = s.client.PutObject(ctx, input)
		}

		if isPreconditionFailure(err) {
			if err := conflictBackoff(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("conditional write: %w", err)
		}
		return nil
	}
	return errUpdateContention
}

// fetch returns an object's body and ETag, or ErrNotFound
func (s *s3Store) fetch(ctx context.Context, objKey string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if isNotFound(err) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	return data, aws.ToString(out.ETag), nil
}

// httpStatus digs the HTTP status code out of an SDK error, or 0
func httpStatus(err error) int {
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode()
	}
	return 0
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return httpStatus(err) == http.StatusNotFound
}

// isPreconditionFailure reports a lost conditional-write race.
// S3 answers 412 for a stale ETag and 409 when two conditional writes overlap.
func isPreconditionFailure(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	switch httpStatus(err) {
	case http.StatusPreconditionFailed, http.StatusConflict:
		return true
	}
	return false
}

func (s *s3Store) Close() error { return nil }
