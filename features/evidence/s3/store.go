package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"flowspec.dev/flowspec/engine/tenant"
)

type (
	// Client is the subset of the S3 API the store uses. *awss3.Client
	// satisfies it; tests provide an in-memory fake.
	Client interface {
		PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
		HeadObject(ctx context.Context, in *awss3.HeadObjectInput, opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	}

	// Store implements evidence.ObjectStore over an S3 bucket.
	Store struct {
		client   Client
		uploader *manager.Uploader
		bucket   string
		prefix   string
	}

	// Options configures the store.
	Options struct {
		// Client is the S3 client. Required.
		Client Client
		// Bucket is the bucket evidence objects live in. Required.
		Bucket string
		// Prefix is the key prefix ahead of the per-company path. Defaults
		// to "evidence".
		Prefix string
	}
)

// New constructs an S3-backed evidence store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("s3 client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "evidence"
	}
	return &Store{client: opts.Client, bucket: opts.Bucket, prefix: prefix}, nil
}

// Open builds a store over the ambient AWS configuration (environment,
// shared config, instance role). Stores built this way also get a multipart
// uploader so PutReader can stream large files.
func Open(ctx context.Context, bucket, prefix string) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := awss3.NewFromConfig(cfg)
	s, err := New(Options{Client: client, Bucket: bucket, Prefix: prefix})
	if err != nil {
		return nil, err
	}
	s.uploader = manager.NewUploader(client)
	return s, nil
}

// Put writes the bytes content-addressed under the calling company's prefix
// and returns the storage key. Re-uploading identical bytes yields the same
// key, which is what makes attachment retries harmless.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	key := s.keyFor(sc.CompanyID, hex.EncodeToString(sum[:]))
	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put evidence object: %w", err)
	}
	return key, nil
}

// PutReader streams a file-sized object content-addressed under the calling
// company's prefix. The reader is consumed twice: once to hash, once to
// upload, so it must be seekable. Stores built with Open use a multipart
// uploader; others buffer through Put.
func (s *Store) PutReader(ctx context.Context, r io.ReadSeeker) (string, error) {
	sc, err := tenant.Require(ctx)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash evidence object: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind evidence object: %w", err)
	}
	key := s.keyFor(sc.CompanyID, hex.EncodeToString(h.Sum(nil)))
	if s.uploader == nil {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("read evidence object: %w", err)
		}
		_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return "", fmt.Errorf("put evidence object: %w", err)
		}
		return key, nil
	}
	_, err = s.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return "", fmt.Errorf("upload evidence object: %w", err)
	}
	return key, nil
}

// ValidateOwnership reports whether the key sits under the company's prefix
// and the object exists. Keys under another tenant's prefix are rejected
// without touching S3.
func (s *Store) ValidateOwnership(ctx context.Context, storageKey, companyID string) (bool, error) {
	if !strings.HasPrefix(storageKey, s.companyPrefix(companyID)) {
		return false, nil
	}
	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storageKey),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("head evidence object: %w", err)
	}
	return true, nil
}

// Bucket returns the bucket the store writes into, for building file
// pointers.
func (s *Store) Bucket() string { return s.bucket }

func (s *Store) companyPrefix(companyID string) string {
	return s.prefix + "/" + companyID + "/"
}

func (s *Store) keyFor(companyID, digest string) string {
	return s.companyPrefix(companyID) + "sha256/" + digest
}
