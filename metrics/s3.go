package metrics

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Store reads results from S3.
type S3Store struct {
	Client s3iface.S3API
}

// NewS3Store creates a store using the shared AWS config and credentials files.
func NewS3Store() (*S3Store, error) {
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("creating AWS Go SDK session: %w", err)
	}
	return &S3Store{Client: s3.New(sess)}, nil
}

func (s *S3Store) Get(ctx context.Context, loc Location) (io.ReadCloser, error) {
	out, err := s.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("%s: %w", loc, ErrNotExist)
		}
		return nil, err
	}
	return out.Body, nil
}
