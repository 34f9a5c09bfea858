// Package archive keeps superseded note and drawing snapshots in object
// storage so that content overwritten by a later version can be recovered.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/golang/snappy"
)

// Archiver stores a snapshot that is about to be superseded.
type Archiver interface {
	Archive(ctx context.Context, snapshot models.Envelope) error
}

// NopArchiver discards snapshots.
type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, models.Envelope) error { return nil }

// Options configure the S3 archiver.
type Options struct {
	AccessKey    string
	SecretKey    string
	Bucket       string
	Region       string
	BaseEndpoint string
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in, optFns...)
	}
)

// S3Archiver writes snappy-compressed JSON snapshots to an S3-compatible bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

func NewS3Archiver(ctx context.Context, o Options) (*S3Archiver, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(o.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(opt *s3.Options) {
		if o.BaseEndpoint != "" {
			opt.BaseEndpoint = aws.String(o.BaseEndpoint)
			opt.UsePathStyle = true
		}
	})

	return &S3Archiver{client: client, bucket: o.Bucket}, nil
}

// Key returns the object key of a snapshot: <type>/<id>/<version>.json.sz
func Key(e models.Envelope) string {
	return fmt.Sprintf("%s/%s/%d.json.sz", e.Type, e.ID, e.Version)
}

// Encode returns the compressed object body of a snapshot.
func Encode(e models.Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

// Decode reverses Encode.
func Decode(body []byte) (models.Envelope, error) {
	var e models.Envelope
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return e, fmt.Errorf("snappy: %w", err)
	}
	err = json.Unmarshal(raw, &e)
	return e, err
}

func (a *S3Archiver) Archive(ctx context.Context, snapshot models.Envelope) error {
	body, err := Encode(snapshot)
	if err != nil {
		return err
	}
	key := Key(snapshot)
	_, err = putObject(a.client, ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("snappy"),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
