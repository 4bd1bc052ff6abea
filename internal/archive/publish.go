package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// ObjectPutter is the subset of *s3.Client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// URLPresigner is the subset of *s3.PresignClient used for download links.
type URLPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Publisher uploads archives to an S3 bucket and returns presigned GET URLs.
type Publisher struct {
	client  ObjectPutter
	presign URLPresigner
	bucket  string
	prefix  string
	expiry  time.Duration
}

// NewPublisher wraps existing S3 clients.
func NewPublisher(client ObjectPutter, presign URLPresigner, bucket, prefix string, expiry time.Duration) *Publisher {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Publisher{client: client, presign: presign, bucket: bucket, prefix: prefix, expiry: expiry}
}

// NewS3Publisher builds a Publisher from the default AWS configuration chain.
func NewS3Publisher(ctx context.Context, bucket, prefix string, expiry time.Duration) (*Publisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return NewPublisher(client, s3.NewPresignClient(client), bucket, prefix, expiry), nil
}

// Bucket returns the destination bucket.
func (p *Publisher) Bucket() string { return p.bucket }

// Publish uploads the archive at localPath as <prefix><name> and returns the
// object key and a presigned download URL.
func (p *Publisher) Publish(ctx context.Context, localPath, name string) (key, url string, err error) {
	key = path.Join(p.prefix, name)

	f, err := os.Open(localPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to upload archive to S3: %w", err)
	}

	result, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket), Key: aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = p.expiry
	})
	if err != nil {
		return "", "", fmt.Errorf("presign GetObject: %w", err)
	}

	log.Info().
		Str("bucket", p.bucket).
		Str("key", key).
		Dur("expiry", p.expiry).
		Msg("Archive published to S3")
	return key, result.URL, nil
}
