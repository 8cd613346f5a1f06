package blob

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/relabs-tech/devicemon/core/logger"
)

// S3Configuration configures the S3 driver. Endpoint is optional and makes
// the driver talk to an S3-compatible emulator such as MinIO instead of AWS.
type S3Configuration struct {
	AWSRegion     string `env:"BLOB_S3_REGION,default=eu-central-1"`
	AWSBucketName string `env:"BLOB_S3_BUCKET"`
	AccessID      string `env:"BLOB_S3_ACCESS_ID"`
	AccessKey     string `env:"BLOB_S3_ACCESS_KEY"`
	KeyPrefix     string `env:"BLOB_S3_KEY_PREFIX"`
	Endpoint      string `env:"BLOB_S3_ENDPOINT"`
}

// S3 is the implementation of the Store for AWS S3.
type S3 struct {
	config    aws.Config
	bucket    string
	keyPrefix string
	pathStyle bool
}

// NewS3 returns a new S3 store.
func NewS3(blobConfig S3Configuration) (*S3, error) {
	if blobConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(blobConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(blobConfig.AccessID, blobConfig.AccessKey, "")),
	}
	if blobConfig.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: blobConfig.Endpoint, HostnameImmutable: true}, nil
			})
		loadOptions = append(loadOptions, config.WithEndpointResolverWithOptions(resolver))
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(), loadOptions...)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("blob S3 enabled")
	s := S3{
		config:    cfg,
		bucket:    blobConfig.AWSBucketName,
		keyPrefix: blobConfig.KeyPrefix,
		// emulators serve buckets as URL paths, not virtual hosts
		pathStyle: blobConfig.Endpoint != "",
	}
	return &s, nil
}

func (s S3) client() *s3.Client {
	return s3.NewFromConfig(s.config, func(o *s3.Options) {
		o.UsePathStyle = s.pathStyle
	})
}

// Upload stores data under key, overwriting any previous object.
func (s S3) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.client().PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", s.keyPrefix+key, err)
	}
	return nil
}

// PresignedGetURL returns a presigned download URL for key, valid until
// expireIn has passed.
func (s S3) PresignedGetURL(ctx context.Context, key string, expireIn time.Duration) (string, error) {
	client := s3.NewPresignClient(s.client())

	resp, err := client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
	}, s3.WithPresignExpires(expireIn))
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// Delete deletes the key object.
func (s S3) Delete(ctx context.Context, key string) error {
	logger.FromContext(ctx).Infoln("deleting ", s.keyPrefix+key)
	_, err := s.client().DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
	})
	return err
}

// ListAllWithPrefix lists all keys starting with prefix.
func (s S3) ListAllWithPrefix(ctx context.Context, prefix string) (keys []string, err error) {
	client := s.client()

	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.keyPrefix + prefix),
			ContinuationToken: continuationToken,
		}
		var resp *s3.ListObjectsV2Output
		resp, err = client.ListObjectsV2(ctx, input)
		if err != nil {
			logger.FromContext(ctx).Error("could not ListObjectsV2 from ", s.bucket)
			return
		}
		for _, item := range resp.Contents {
			keys = append(keys, *item.Key)
		}
		continuationToken = resp.NextContinuationToken
		if resp.NextContinuationToken == nil {
			break
		}
	}
	return
}
