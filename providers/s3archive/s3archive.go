// Package s3archive exports verified audit chain segments to S3 for
// long-term retention. Audit entries are never purged by application code;
// archival copies closed segments out so retention policies measured in
// years do not depend on one sqlite file.
package s3archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	phivault "github.com/careport/phivault"
)

// s3Uploader is the subset of the S3 API the archiver uses; it exists so
// tests can substitute a fake.
type s3Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes chain segments to an S3 bucket as JSONL objects.
type Archiver struct {
	client s3Uploader
	store  phivault.AuditStore
	bucket string
	prefix string
}

// Config holds configuration for the archiver.
type Config struct {
	// Bucket is the destination bucket. Required.
	Bucket string
	// Prefix is prepended to object keys (default "audit-chain").
	Prefix string
	// Region is the AWS region; empty uses the SDK default resolution.
	Region string
	// AWSConfig is an optional pre-built AWS config.
	AWSConfig *aws.Config
}

// New creates an archiver over the given audit store.
func New(ctx context.Context, store phivault.AuditStore, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: archive bucket is required", phivault.ErrInvalidConfiguration)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "audit-chain"
	}

	var awsConfig aws.Config
	var err error
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
	}

	return &Archiver{
		client: s3.NewFromConfig(awsConfig),
		store:  store,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// ExportSegment verifies the sequence range [fromSeq, toSeq] and, only
// when the chain is intact, uploads it as one JSONL object. A segment that
// fails verification is never archived: an archive of tampered entries
// would launder the tampering.
func (a *Archiver) ExportSegment(ctx context.Context, fromSeq, toSeq int64) (string, error) {
	result, err := phivault.VerifyChain(ctx, a.store, fromSeq, toSeq)
	if err != nil {
		return "", err
	}
	if !result.Valid {
		return "", fmt.Errorf("%w: segment [%d,%d] broken at seq %d: %s",
			phivault.ErrChainIntegrityViolated, fromSeq, toSeq, result.FirstBrokenSeq, result.Reason)
	}

	entries, err := a.store.EntriesBySeq(ctx, fromSeq, toSeq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", phivault.ErrChainPersistence, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("segment [%d,%d] contains no entries", fromSeq, toSeq)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return "", fmt.Errorf("failed to encode entry %s: %w", entries[i].ID, err)
		}
	}

	key := fmt.Sprintf("%s/%s/seq-%d-%d.jsonl",
		a.prefix, time.Now().UTC().Format("2006/01/02"), entries[0].Seq, entries[len(entries)-1].Seq)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload segment to s3://%s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}
