package transport

import (
	"context"
	"io"
	"os"

	"sitevault/internal/errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3 stores objects in an S3 bucket
type S3 struct {
	client *s3.S3
	bucket string
}

// NewS3 creates an S3 client with static credentials
func NewS3(cfg *S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid S3 storage configuration", err)
	}

	awsCfg := &aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeConnection, "failed to create AWS session", err)
	}
	return &S3{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

// Upload streams localPath to key
func (p *S3) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, err = p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", transferError("upload", key, err)
	}
	return key, nil
}

// Download writes object id to localPath
func (p *S3) Download(ctx context.Context, id, localPath string) error {
	result, err := p.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return notFound(id, err)
		}
		return transferError("download", id, err)
	}
	defer result.Body.Close()
	return writeLocal(localPath, result.Body, id)
}

// Delete removes object id
func (p *S3) Delete(ctx context.Context, id string) error {
	_, err := p.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return transferError("delete", id, err)
	}
	return nil
}

// Provider implements Transport
func (p *S3) Provider() ProviderType {
	return ProviderS3
}

// writeLocal copies a download body to localPath
func writeLocal(localPath string, body io.Reader, id string) error {
	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return transferError("download", id, err)
	}
	return out.Close()
}
