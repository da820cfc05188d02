// Package archive optionally mirrors a run's rendered prompt and raw model
// response to S3 for long-term audit retention, repurposing the teacher's
// image-upload S3 client construction for a different payload. When no
// bucket is configured the archiver is a no-op so the core pipeline never
// depends on AWS credentials being present.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads run audit artifacts to S3.
type Archiver struct {
	client *s3.Client
	bucket string
}

// New builds an Archiver. If bucket is empty, the returned Archiver's
// Put is a no-op and no AWS config is loaded.
func New(ctx context.Context, bucket, region, endpoint string) (*Archiver, error) {
	if bucket == "" {
		return &Archiver{}, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{URL: endpoint, SigningRegion: region, Source: aws.EndpointSourceCustom}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Archiver{client: s3.NewFromConfig(awsCfg), bucket: bucket}, nil
}

// Put archives one run's artifact under runs/<runExternalID>/<name>. It is
// a no-op when the archiver was built without a bucket. Archive failures
// are advisory: callers log and suppress them, matching the notifier's
// failure posture, since archival never affects a run's recorded outcome.
func (a *Archiver) Put(ctx context.Context, runExternalID, name string, body []byte) error {
	if a.client == nil {
		return nil
	}
	key := fmt.Sprintf("runs/%s/%s", runExternalID, name)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive put object: %w", err)
	}
	return nil
}
