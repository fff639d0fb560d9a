// Package storage uploads audio to an S3-compatible object store and
// hands back URLs the remote transcription service can fetch. Tencent
// COS is the default target; any S3-compatible endpoint works.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/metrics"
)

// COSConfig carries everything needed to reach the bucket.
type COSConfig struct {
	Bucket        string
	Region        string
	Endpoint      string // optional; derived from Region when empty
	AccessKey     string
	SecretKey     string
	PresignExpiry time.Duration
}

// COSStore uploads files and presigns GET URLs with a bounded expiry,
// long enough for the transcription service to fetch the object.
type COSStore struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	bucket        string
	presignExpiry time.Duration
	now           func() time.Time
	log           zerolog.Logger
}

// NewCOSStore creates an object store client from config.
func NewCOSStore(cfg COSConfig, log zerolog.Logger) (*COSStore, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://cos.%s.myqcloud.com", cfg.Region)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}

	return &COSStore{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		presignExpiry: expiry,
		now:           time.Now,
		log:           log.With().Str("component", "cos-store").Logger(),
	}, nil
}

// HeadBucket checks that the bucket exists and credentials are valid.
func (s *COSStore) HeadBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &s.bucket,
	})
	return err
}

// Upload streams the local file into the bucket and returns its object
// key. Keys are stable and safe to cache; URLs are minted per run with
// PresignedURL because presigns expire.
func (s *COSStore) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}

	key := s.objectKey(localPath)
	contentType := contentTypeFor(localPath)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		ContentType:   &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	metrics.UploadsTotal.Inc()
	metrics.UploadBytesTotal.Add(float64(st.Size()))
	s.log.Debug().Str("key", key).Int64("bytes", st.Size()).Msg("uploaded")
	return key, nil
}

// PresignedURL returns a GET URL for an object, valid for the
// configured expiry, long enough for the transcription service to
// fetch it.
func (s *COSStore) PresignedURL(ctx context.Context, key string) (string, error) {
	req, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.presignExpiry
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func (s *COSStore) objectKey(localPath string) string {
	return fmt.Sprintf("audio/%d_%s", s.now().Unix(), filepath.Base(localPath))
}

func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".aac":
		return "audio/aac"
	default:
		return "application/octet-stream"
	}
}
