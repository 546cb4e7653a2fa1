package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the part of the S3 client used by S3Sink. *s3.Client
// implements it.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Sink stores snapshots as objects under a key prefix.
//
// Example usage:
//
//	client := snapshot.NewS3Client("us-east-1", "")
//	sink := snapshot.NewS3Sink(client, "my-bucket", "nest/")
//	info, err := sink.Save(ctx, engine.DumpSnapshot())
type S3Sink struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Sink creates an S3 sink.
//
// Parameters:
//   - client: S3 client, usually from NewS3Client
//   - bucket: bucket name
//   - prefix: key prefix for snapshots (e.g., "snapshots/")
func NewS3Sink(client S3API, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// NewS3Client builds an S3 client from the standard AWS_* environment
// credentials. A non-empty endpoint selects an S3 compatible server with
// path style addressing.
func NewS3Client(region, endpoint string) *s3.Client {
	opts := s3.Options{
		Region: region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
				SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
				SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
				Source:          "environment",
			}, nil
		}),
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

// Save uploads data as a new object.
func (s *S3Sink) Save(ctx context.Context, data map[string]any) (Info, error) {
	b, err := Encode(data)
	if err != nil {
		return Info{}, err
	}
	name := NewName()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + name),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"slots": strconv.Itoa(len(data)),
		},
	})
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: s3 upload failed: %w", err)
	}

	created, _ := ParseName(name)
	return Info{Name: name, Size: int64(len(b)), CreatedAt: created}, nil
}

// Load downloads a snapshot. An empty name loads the latest one.
func (s *S3Sink) Load(ctx context.Context, name string) (map[string]any, error) {
	if name == "" {
		var err error
		if name, err = latest(ctx, s); err != nil {
			return nil, err
		}
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + name),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshot: s3 download failed: %w", err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// List returns the snapshots under the prefix, oldest first.
func (s *S3Sink) List(ctx context.Context) ([]Info, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var infos []Info
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot: s3 list failed: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			name := strings.TrimPrefix(*obj.Key, s.prefix)
			if strings.Contains(name, "/") || !isSnapshotName(name) {
				continue
			}
			info := Info{Name: name}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			info.CreatedAt, _ = ParseName(name)
			infos = append(infos, info)
		}
	}
	sortInfos(infos)
	return infos, nil
}
