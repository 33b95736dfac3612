package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// S3Options configures an Uploader. Credentials come from, in order: RoleARN with an OIDC
// token from TokenSocket, static AccessKeyID/SecretAccessKey, or the default AWS chain.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string // optional, for S3-compatible stores
	Prefix          string // optional key prefix
	RoleARN         string
	TokenSocket     string // unix socket serving OIDC tokens, e.g. /.fly/api
	TokenAudience   string
	AccessKeyID     string
	SecretAccessKey string
	MaxRetries      int
	RetryBackoff    time.Duration // first retry delay, doubled per attempt
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader uploads exported history files to S3
type Uploader struct {
	client       objectPutter
	bucket       string
	prefix       string
	maxRetries   int
	retryBackoff time.Duration
	log          zerolog.Logger
}

// socketTokenRetriever implements stscreds.IdentityTokenRetriever by asking a local
// unix socket API for an OIDC token
type socketTokenRetriever struct {
	socketPath string
	audience   string
}

// GetIdentityToken fetches an OIDC token from the socket API
func (f *socketTokenRetriever) GetIdentityToken() ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", f.socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	reqBody, err := json.Marshal(map[string]string{"aud": f.audience})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := client.Post("http://localhost/v1/tokens/oidc", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	return token, nil
}

// NewUploader creates an S3 uploader
func NewUploader(ctx context.Context, opts S3Options) (*Uploader, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.RoleARN == "" && opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if opts.RoleARN != "" {
		audience := opts.TokenAudience
		if audience == "" {
			audience = "sts.amazonaws.com"
		}
		stsClient := sts.NewFromConfig(cfg)
		credProvider := stscreds.NewWebIdentityRoleProvider(
			stsClient,
			opts.RoleARN,
			&socketTokenRetriever{socketPath: opts.TokenSocket, audience: audience},
		)
		cfg.Credentials = aws.NewCredentialsCache(credProvider)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newUploader(client, opts), nil
}

func newUploader(client objectPutter, opts S3Options) *Uploader {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Uploader{
		client:       client,
		bucket:       opts.Bucket,
		prefix:       strings.Trim(opts.Prefix, "/"),
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		log:          log.With().Str("component", "uploader").Logger(),
	}
}

// Upload puts a local export file into the bucket, retrying with exponential backoff.
// It returns the object key.
func (u *Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	filename := filepath.Base(localPath)

	key, err := generateS3Key(filename)
	if err != nil {
		return "", err
	}
	if u.prefix != "" {
		key = u.prefix + "/" + key
	}

	var lastErr error
	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		lastErr = u.uploadFile(ctx, localPath, key)
		if lastErr == nil {
			u.log.Info().Str("file", filename).Str("bucket", u.bucket).Str("key", key).Msg("Uploaded archive")
			return key, nil
		}

		if attempt < u.maxRetries {
			backoff := u.retryBackoff << uint(attempt)
			u.log.Warn().Err(lastErr).
				Str("file", filename).
				Int("attempt", attempt+1).
				Dur("retry_in", backoff).
				Msg("Upload attempt failed")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	return "", fmt.Errorf("upload %s after %d attempts: %w", filename, u.maxRetries+1, lastErr)
}

func (u *Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// generateS3Key derives the object key from an export file name.
// Input: twitch_some_streamer_20251230_1030.jsonl
// Output: 2025/12/30/twitch/some_streamer/twitch_some_streamer_20251230_1030.jsonl
func generateS3Key(filename string) (string, error) {
	nameWithoutExt := strings.TrimSuffix(filename, Ext)

	// Channel names may contain underscores, so parse from the end
	parts := strings.Split(nameWithoutExt, "_")
	if len(parts) < 4 {
		return "", fmt.Errorf("invalid filename format: %s", filename)
	}

	platform := parts[0]
	dateStr := parts[len(parts)-2]
	timeStr := parts[len(parts)-1]
	channel := strings.Join(parts[1:len(parts)-2], "_")

	t, err := time.Parse(timestampLayout, dateStr+"_"+timeStr)
	if err != nil {
		return "", fmt.Errorf("parse timestamp: %w", err)
	}

	return fmt.Sprintf("%04d/%02d/%02d/%s/%s/%s",
		t.Year(), t.Month(), t.Day(), platform, channel, filename), nil
}
