package report

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/testpilot-io/testpilot/pkg/config"
)

// Archiver stores rendered run reports in remote storage.
type Archiver interface {
	// Preflight verifies that the remote storage is reachable and writable.
	Preflight(ctx context.Context) error

	// Archive uploads the markdown and JSON renderings of doc and returns
	// the location of the markdown report.
	Archive(ctx context.Context, doc *Document) (string, error)
}

// NewArchiver returns an S3 archiver when enabled, otherwise a no-op.
func NewArchiver(log logrus.FieldLogger, cfg *config.S3ReportConfig) Archiver {
	if cfg == nil || !cfg.Enabled {
		return noopArchiver{}
	}

	return NewS3Archiver(log, cfg)
}

type noopArchiver struct{}

func (noopArchiver) Preflight(_ context.Context) error { return nil }

func (noopArchiver) Archive(_ context.Context, _ *Document) (string, error) { return "", nil }

// s3Archiver implements Archiver for S3-compatible storage.
type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3ReportConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Archiver = (*s3Archiver)(nil)

// NewS3Archiver creates a new S3 archiver from the given configuration.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.S3ReportConfig) Archiver {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Archiver{
		log:    log.WithField("component", "s3-archiver"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

// Preflight verifies S3 connectivity by writing a small test object.
func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("testpilot write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(".testpilot-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

// Archive uploads report.md and report.json under prefix/<run id>/.
func (a *s3Archiver) Archive(ctx context.Context, doc *Document) (string, error) {
	prefix := a.resolvePrefix(doc.RunID)

	data, err := RenderJSON(doc)
	if err != nil {
		return "", err
	}

	objects := []struct {
		name string
		body []byte
	}{
		{"report.md", []byte(RenderMarkdown(doc))},
		{"report.json", data},
	}

	for _, obj := range objects {
		key := prefix + "/" + obj.name

		a.log.WithFields(logrus.Fields{
			"key":    key,
			"bucket": a.cfg.Bucket,
		}).Debug("Uploading report object")

		if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(obj.body),
			ContentType: aws.String(detectContentType(obj.name)),
		}); err != nil {
			return "", fmt.Errorf("uploading %s: %w", key, err)
		}
	}

	location := fmt.Sprintf("s3://%s/%s/report.md", a.cfg.Bucket, prefix)

	a.log.WithFields(logrus.Fields{
		"run_id":   doc.RunID,
		"location": location,
	}).Info("Report archived")

	return location, nil
}

// resolvePrefix builds the S3 key prefix for a run.
func (a *s3Archiver) resolvePrefix(runID string) string {
	prefix := a.cfg.Prefix
	if prefix == "" {
		prefix = config.DefaultReportPrefix
	}

	return strings.TrimRight(prefix, "/") + "/" + runID
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(name string) string {
	ext := path.Ext(name)

	switch ext {
	case "":
		return "application/octet-stream"
	case ".md":
		return "text/markdown; charset=utf-8"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
