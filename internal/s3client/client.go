package s3client

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	appConfig "batchpack/config"
	"batchpack/internal/models"
	"batchpack/internal/retry"
	"batchpack/pkg/utils"
)

// Client uploads finished archives to the bucket and prunes old ones.
type Client struct {
	s3Client *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	config   *appConfig.Config
}

func New(ctx context.Context, cfg *appConfig.Config) (*Client, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey,
			},
		}),
	)
	if err != nil {
		return nil, errors.Errorf("failed to load AWS config: %w", err)
	}

	var s3Client *s3.Client
	if cfg.ApiURL != "" {
		s3Client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.ApiURL)
			o.UsePathStyle = true
		})
	} else {
		s3Client = s3.NewFromConfig(awsConfig)
	}

	return &Client{
		s3Client: s3Client,
		presign:  s3.NewPresignClient(s3Client),
		uploader: manager.NewUploader(s3Client),
		config:   cfg,
	}, nil
}

// Upload sends one archive and returns a URL it can be downloaded from.
// progress receives the fraction read so far plus the byte counts behind it.
func (c *Client) Upload(ctx context.Context, path string, progress func(fraction float64, done, total int64)) (string, error) {
	if c.config.BucketName == "" {
		return "", retry.Permanent(errors.New("no bucket configured"))
	}

	file, err := os.Open(path)
	if err != nil {
		return "", retry.Permanent(errors.Errorf("failed to open file %s: %w", path, err))
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", retry.Permanent(errors.Errorf("failed to stat %s: %w", path, err))
	}

	remotePath := c.buildRemotePath(c.config.KeyPrefix, filepath.Base(path))
	body := &progressReader{r: file, total: info.Size(), report: progress}

	zerolog.Ctx(ctx).Debug().Str("key", remotePath).Int64("bytes", info.Size()).Msg("uploading archive")
	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.config.BucketName),
		Key:           aws.String(remotePath),
		Body:          body,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(c.detectContentType(path)),
	})
	if err != nil {
		return "", errors.Errorf("failed to upload to S3: %w", err)
	}
	body.finish()

	return c.objectURL(ctx, remotePath)
}

func (c *Client) objectURL(ctx context.Context, key string) (string, error) {
	if c.config.PublicURLBase != "" {
		u, err := url.JoinPath(c.config.PublicURLBase, key)
		if err != nil {
			return "", retry.Permanent(errors.Errorf("building public URL: %w", err))
		}
		return u, nil
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.BucketName),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(c.config.LinkTTL))
	if err != nil {
		return "", errors.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Prune deletes archives under folder that are older than daysOld.
func (c *Client) Prune(ctx context.Context, folder string, daysOld int, dryRun bool) (*models.DeleteResult, error) {
	bucketName := c.config.BucketName
	cutoffDate := time.Now().AddDate(0, 0, -daysOld)

	prefix := folder
	if !strings.HasSuffix(prefix, "/") && prefix != "" {
		prefix += "/"
	}

	var toDelete []types.ObjectIdentifier
	var deletedFiles []string
	var totalSize int64

	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoffDate) {
				toDelete = append(toDelete, types.ObjectIdentifier{Key: obj.Key})
				deletedFiles = append(deletedFiles, aws.ToString(obj.Key))
				totalSize += aws.ToInt64(obj.Size)
			}
		}
	}

	deletedCount := 0
	for i := 0; i < len(toDelete) && !dryRun; i += 1000 {
		end := min(i+1000, len(toDelete))
		batch := toDelete[i:end]

		_, err := c.s3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucketName),
			Delete: &types.Delete{Objects: batch},
		})
		if err != nil {
			return nil, errors.Errorf("failed to delete objects batch: %w", err)
		}
		deletedCount += len(batch)
	}

	return &models.DeleteResult{
		BucketName:     bucketName,
		Folder:         folder,
		DaysOld:        daysOld,
		DryRun:         dryRun,
		DeletedFiles:   deletedFiles,
		DeletedCount:   deletedCount,
		TotalSizeBytes: totalSize,
		TotalSizeHuman: utils.FormatBytes(totalSize),
		OperationTime:  utils.FormatTime(time.Now()),
		CutoffDate:     utils.FormatTime(cutoffDate),
	}, nil
}

func (c *Client) buildRemotePath(destinationPath, filename string) string {
	if destinationPath == "" {
		return filename
	}

	destinationPath = strings.TrimPrefix(destinationPath, "/")

	if !strings.HasSuffix(destinationPath, "/") {
		destinationPath += "/"
	}

	return destinationPath + filename
}

func (c *Client) detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".zip":
		return "application/zip"
	case ".7z":
		return "application/x-7z-compressed"
	}
	return "application/octet-stream"
}

// progressReader counts bytes as the uploader pulls them. The multipart
// uploader buffers whole parts, so counts move in part-sized steps.
type progressReader struct {
	r      io.Reader
	total  int64
	done   atomic.Int64
	report func(fraction float64, done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.emit(p.done.Add(int64(n)))
	}
	return n, err
}

func (p *progressReader) emit(done int64) {
	if p.report == nil {
		return
	}
	fraction := 1.0
	if p.total > 0 {
		fraction = min(float64(done)/float64(p.total), 1)
	}
	p.report(fraction, done, p.total)
}

func (p *progressReader) finish() {
	if p.done.Load() < p.total {
		p.done.Store(p.total)
	}
	p.emit(p.total)
}
