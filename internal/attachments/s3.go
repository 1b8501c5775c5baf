package attachments

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"inboxsync/internal/models"
)

// S3Config holds the bucket attachments are stored in.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// ObjectPutter is the part of the S3 client the uploader uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader stores attachments and their thumbnails in a bucket.
type S3Uploader struct {
	client    ObjectPutter
	cfg       S3Config
	pathStyle bool
}

// NewS3Uploader builds an S3 client from cfg.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// Endpoint must not contain the bucket name.
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(cfg.Endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", cfg.Endpoint).
			Str("cleanedEndpoint", cleaned).
			Str("bucket", cfg.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
		cfg.Endpoint = cleaned
	}

	// Buckets with dots break virtual-hosted TLS certificates.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", pathStyle).
		Msg("S3 client initialized")
	return newS3Uploader(client, cfg, pathStyle), nil
}

func newS3Uploader(client ObjectPutter, cfg S3Config, pathStyle bool) *S3Uploader {
	return &S3Uploader{client: client, cfg: cfg, pathStyle: pathStyle}
}

// ObjectKey places key under a folder for its media kind and adds an
// extension when key has none.
func ObjectKey(key, mimeType string) string {
	if path.Ext(key) == "" {
		key += extensionFor(mimeType)
	}
	return path.Join(mediaFolder(mimeType), key)
}

// Upload stores att.Data and, for images, a thumbnail next to it.
func (u *S3Uploader) Upload(ctx context.Context, key string, att models.Attachment) (models.Attachment, error) {
	if len(att.Data) == 0 {
		return att, fmt.Errorf("attachment %q has no data", att.Name)
	}
	objectKey := ObjectKey(key, att.MimeType)
	if err := u.put(ctx, objectKey, att.Data, att.MimeType); err != nil {
		return att, err
	}
	att.URL = u.PublicURL(objectKey)
	att.Size = len(att.Data)

	if IsImage(att.MimeType) {
		thumb, mime, err := Thumbnail(att.Data, ThumbnailSide)
		if err != nil {
			// The original is stored; a missing preview is not fatal.
			log.Warn().Err(err).Str("key", objectKey).Msg("Could not create thumbnail")
		} else {
			thumbKey := strings.TrimSuffix(objectKey, path.Ext(objectKey)) + "_thumb" + extensionFor(mime)
			if err := u.put(ctx, thumbKey, thumb, mime); err != nil {
				log.Warn().Err(err).Str("key", thumbKey).Msg("Could not upload thumbnail")
			} else {
				att.ThumbnailURL = u.PublicURL(thumbKey)
			}
		}
	}
	att.Data = nil
	return att, nil
}

func (u *S3Uploader) put(ctx context.Context, key string, data []byte, mimeType string) error {
	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(u.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		log.Error().
			Str("key", key).
			Str("bucket", u.cfg.Bucket).
			Str("mimeType", mimeType).
			Int("size", len(data)).
			Err(err).
			Msg("Failed to upload file to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Info().
		Str("key", key).
		Str("bucket", u.cfg.Bucket).
		Str("mimeType", mimeType).
		Int("size", len(data)).
		Msg("File successfully uploaded to S3")
	return nil
}

// PublicURL is the address an uploaded object is served from.
func (u *S3Uploader) PublicURL(key string) string {
	if u.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(u.cfg.PublicURL, "/"), u.cfg.Bucket, key)
	}
	endpoint := u.cfg.Endpoint
	if endpoint == "" || strings.Contains(endpoint, "amazonaws.com") {
		if u.pathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", u.cfg.Region, u.cfg.Bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
	}
	if u.pathStyle {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), u.cfg.Bucket, key)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", u.cfg.Bucket, strings.TrimRight(host, "/"), key)
}
