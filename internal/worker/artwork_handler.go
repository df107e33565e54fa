package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"media-ingest-pipeline/internal/config"
	"media-ingest-pipeline/internal/models"
)

type artworkUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ArtworkHandler processes `image` jobs: it downloads source artwork (poster,
// backdrop, thumb) and writes one resized variant per configured width to
// local disk or S3.
type ArtworkHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      artworkUploader
	s3         artworkUploader
}

// Artwork job payload accepted from the queue.
type artworkPayload struct {
	SourceURL    string `json:"source_url"`
	OutputPrefix string `json:"output_prefix"`
	Widths       []int  `json:"widths"`
	Grayscale    bool   `json:"grayscale"`
	Destination  string `json:"destination"`
}

// NewArtworkHandler constructs the handler and chooses an uploader (local or S3).
func NewArtworkHandler(ctx context.Context, cfg config.Config) (*ArtworkHandler, error) {
	timeout := cfg.ArtworkDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ArtworkOutputDir
	if baseDir == "" {
		baseDir = "./artwork"
	}

	var s3Upload artworkUploader
	if cfg.ArtworkS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ArtworkS3Bucket}
	}

	return &ArtworkHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtworkS3Region),
	}
	if cfg.ArtworkS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtworkS3Endpoint,
					HostnameImmutable: cfg.ArtworkS3PathStyle,
					SigningRegion:     cfg.ArtworkS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtworkS3PathStyle
	}), nil
}

// Handle downloads the source once and writes every variant. Re-running the
// job overwrites the same keys, so a reaped-and-released job converges.
func (h *ArtworkHandler) Handle(ctx context.Context, job models.Job) error {
	payload, err := h.decodePayload(job)
	if err != nil {
		return err
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return err
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode artwork: %w", err)
	}
	if payload.Grayscale {
		src = imaging.Grayscale(src)
	}

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return err
	}

	outputFormat := chooseFormat(format, contentType)
	ext := formatExtension(outputFormat)
	for _, width := range payload.Widths {
		if width <= 0 {
			return fmt.Errorf("variant width must be positive, got %d", width)
		}
		variant := imaging.Resize(src, width, 0, imaging.Lanczos)
		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, variant, outputFormat, imaging.JPEGQuality(85)); err != nil {
			return fmt.Errorf("encode w%d variant: %w", width, err)
		}
		key := sanitizeKey(fmt.Sprintf("%s/w%d.%s", payload.OutputPrefix, width, ext))
		if _, err := uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat, contentType)); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	return nil
}

func (h *ArtworkHandler) decodePayload(job models.Job) (artworkPayload, error) {
	payload := artworkPayload{Widths: h.cfg.ArtworkVariantWidths}
	if err := decodePayload(job, &payload); err != nil {
		return payload, err
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	if payload.OutputPrefix == "" {
		payload.OutputPrefix = job.ID
	}
	if len(payload.Widths) == 0 {
		payload.Widths = []int{320}
	}
	if payload.Destination == "" {
		if h.cfg.ArtworkS3Bucket != "" {
			payload.Destination = "s3"
		} else {
			payload.Destination = "local"
		}
	}
	return payload, nil
}

func (h *ArtworkHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artwork: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download artwork: status %d", resp.StatusCode)
	}

	limit := h.cfg.ArtworkMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read artwork: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("artwork too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (h *ArtworkHandler) pickUploader(destination string) (artworkUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but ARTWORK_S3_BUCKET is not configured")
	case "local", "":
		if h.local != nil {
			return h.local, nil
		}
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	if h.local != nil {
		return h.local, nil
	}
	return nil, errors.New("no uploader configured")
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func chooseFormat(decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
