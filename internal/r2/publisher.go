package r2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// presignTTL is the longest expiry SigV4 allows.
const presignTTL = 7 * 24 * time.Hour

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Options struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// PublicBaseURL serves objects without signing, e.g. an r2.dev domain.
	PublicBaseURL string
	Prefix        string
}

// Publisher stores NFT metadata documents in an S3-compatible R2 bucket.
type Publisher struct {
	objects       objectAPI
	presign       presignAPI
	bucket        string
	publicBaseURL string
	prefix        string
}

// NewPublisher builds an R2 publisher. It fails when no credentials are set.
func NewPublisher(ctx context.Context, opts Options) (*Publisher, error) {
	if opts.AccessKeyID == "" || opts.SecretAccessKey == "" {
		return nil, fmt.Errorf("no R2 credentials configured")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("no R2 bucket configured")
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			"",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	})

	return newPublisher(client, s3.NewPresignClient(client), opts), nil
}

func newPublisher(objects objectAPI, presign presignAPI, opts Options) *Publisher {
	return &Publisher{
		objects:       objects,
		presign:       presign,
		bucket:        opts.Bucket,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		prefix:        strings.Trim(opts.Prefix, "/"),
	}
}

// MetadataKey is the object key for an attempt's metadata document. Retries
// of the same attempt share it.
func (p *Publisher) MetadataKey(attemptID string) string {
	key := "metadata/" + attemptID + ".json"
	if p.prefix != "" {
		key = p.prefix + "/" + key
	}
	return key
}

// PublishMetadata uploads doc as JSON under key and returns its URL.
// An object already present under key is not rewritten.
func (p *Publisher) PublishMetadata(ctx context.Context, key string, doc any) (string, error) {
	exists, err := p.exists(ctx, key)
	if err != nil {
		return "", err
	}

	if !exists {
		body, err := json.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}

		_, err = p.objects.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(p.bucket),
			Key:          aws.String(key),
			Body:         bytes.NewReader(body),
			ContentType:  aws.String("application/json"),
			CacheControl: aws.String("public, max-age=31536000, immutable"),
		})
		if err != nil {
			return "", fmt.Errorf("put metadata %s: %w", key, err)
		}
		log.Info().Str("key", key).Int("bytes", len(body)).Msg("r2: metadata uploaded")
	}

	return p.url(ctx, key)
}

func (p *Publisher) url(ctx context.Context, key string) (string, error) {
	if p.publicBaseURL != "" {
		return p.publicBaseURL + "/" + key, nil
	}
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign GetObject: %w", err)
	}
	return req.URL, nil
}

func (p *Publisher) exists(ctx context.Context, key string) (bool, error) {
	_, err := p.objects.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("head metadata %s: %w", key, err)
}
