package storage

// Note: Use requires a ~/.aws/credentials file
// https://docs.aws.amazon.com/sdk-for-go/v1/developer-guide/configuring-sdk.html#specifying-credentials

import (
	"bytes"
	"io"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Blobs keeps favicon blobs and cache checkpoints in an S3 bucket, one
// object per file name.
type S3Blobs struct {
	svc    *s3.S3
	bucket string
}

func newS3Blobs(path string) BlobStore {
	region, bucket, ok := strings.Cut(path, ":")
	if !ok {
		log.Fatalf(`S3 path %q does not have expected format "<region>:<bucket>".`, path)
	}
	sess := session.Must(session.NewSession(&aws.Config{
		Region: aws.String(region),
	}))
	return &S3Blobs{
		svc:    s3.New(sess),
		bucket: bucket,
	}
}

func (s *S3Blobs) SaveFile(data []byte, name string) error {
	_, err := s.svc.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *S3Blobs) ReadFile(name string) ([]byte, error) {
	out, err := s.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Blobs) ListFiles() (map[string]struct{}, error) {
	files := make(map[string]struct{})
	err := s.svc.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			files[aws.StringValue(obj.Key)] = struct{}{}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (s *S3Blobs) Close() {}

func init() {
	registerBlobs("s3", newS3Blobs)
}
