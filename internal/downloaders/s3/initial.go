package s3

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

const DefaultPresignExpiry = 15 * time.Minute

// Resolver turns s3://bucket/key sources into presigned HTTPS links so the
// ranged HTTP engine can fetch them.
type Resolver struct {
	objects   objectAPI
	presigner presignAPI
	expiry    time.Duration
}

// NewResolver loads AWS configuration for profile (empty means the default
// chain) and prepares a presign client.
func NewResolver(ctx context.Context, profile string, expiry time.Duration) (*Resolver, error) {
	client, err := getS3Client(ctx, profile)
	if err != nil {
		return nil, err
	}
	return newResolver(client, s3.NewPresignClient(client), expiry), nil
}

func newResolver(objects objectAPI, presigner presignAPI, expiry time.Duration) *Resolver {
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}
	return &Resolver{objects: objects, presigner: presigner, expiry: expiry}
}

func (r *Resolver) Resolve(ctx context.Context, source string) (string, error) {
	bucket, key, err := ParseS3URL(source)
	if err != nil {
		return "", err
	}
	size, err := objectSize(ctx, r.objects, bucket, key)
	if err != nil {
		return "", err
	}
	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.expiry))
	if err != nil {
		return "", fmt.Errorf("error presigning s3://%s/%s: %v", bucket, key, err)
	}
	log.Debug().Str("op", "s3/initial").Msgf("Presigned s3://%s/%s (%d bytes) for %s", bucket, key, size, r.expiry)
	return req.URL, nil
}

// ParseS3URL splits s3://bucket/key. The key is required.
func ParseS3URL(url string) (string, string, error) {
	rest, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", fmt.Errorf("invalid S3 URL %q: missing s3:// scheme", url)
	}
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q: missing bucket", url)
	}
	if len(parts) < 2 || parts[1] == "" || strings.HasSuffix(parts[1], "/") {
		return "", "", fmt.Errorf("invalid S3 URL %q: missing object key", url)
	}
	return parts[0], parts[1], nil
}
