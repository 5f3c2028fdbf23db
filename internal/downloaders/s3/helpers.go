package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type objectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

func getS3Client(ctx context.Context, profile string) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode("adaptive")}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// objectSize confirms that key names a single object. A key that only exists
// as a prefix gets its own error since folders are not downloadable.
func objectSize(ctx context.Context, client objectAPI, bucket, key string) (int64, error) {
	headObj, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return aws.ToInt64(headObj.ContentLength), nil
	}

	result, listErr := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if listErr != nil {
		return 0, fmt.Errorf("error accessing S3 object: %v", err)
	}
	if len(result.Contents) > 0 || len(result.CommonPrefixes) > 0 {
		return 0, fmt.Errorf("s3://%s/%s is a prefix, not an object", bucket, key)
	}
	return 0, fmt.Errorf("S3 object not found: s3://%s/%s", bucket, key)
}
