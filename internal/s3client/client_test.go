package s3client

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchpack/config"
	"batchpack/internal/retry"
)

func offlineConfig() *config.Config {
	return &config.Config{
		ApiURL:     "http://127.0.0.1:9000",
		AccessKey:  "test-access-key",
		SecretKey:  "test-secret-key",
		BucketName: "test-bucket",
		Region:     "us-east-1",
		KeyPrefix:  "uploads",
		LinkTTL:    168 * time.Hour,
	}
}

func TestBuildRemotePath(t *testing.T) {
	c := &Client{}
	tests := []struct {
		prefix, name, want string
	}{
		{"", "Portal.zip", "Portal.zip"},
		{"uploads", "Portal.zip", "uploads/Portal.zip"},
		{"/uploads/", "Portal.zip", "uploads/Portal.zip"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.buildRemotePath(tt.prefix, tt.name))
	}
}

func TestDetectContentType(t *testing.T) {
	c := &Client{}
	assert.Equal(t, "application/zip", c.detectContentType("a/B.ZIP"))
	assert.Equal(t, "application/x-7z-compressed", c.detectContentType("b.7z"))
	assert.Equal(t, "application/octet-stream", c.detectContentType("c.bin"))
}

func TestProgressReader(t *testing.T) {
	var fractions []float64
	var last int64
	p := &progressReader{
		r:     strings.NewReader(strings.Repeat("a", 100)),
		total: 100,
		report: func(f float64, done, total int64) {
			fractions = append(fractions, f)
			last = done
			assert.Equal(t, int64(100), total)
		},
	}

	buf := make([]byte, 40)
	for {
		if _, err := p.Read(buf); err != nil {
			break
		}
	}
	p.finish()

	assert.Equal(t, []float64{0.4, 0.8, 1, 1}, fractions)
	assert.Equal(t, int64(100), last)
}

func TestObjectURL(t *testing.T) {
	ctx := context.Background()

	cfg := offlineConfig()
	cfg.PublicURLBase = "https://cdn.example.com/files/"
	client, err := New(ctx, cfg)
	require.NoError(t, err)

	u, err := client.objectURL(ctx, "uploads/Half Life.zip")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/files/uploads/Half%20Life.zip", u)

	client, err = New(ctx, offlineConfig())
	require.NoError(t, err)

	u, err = client.objectURL(ctx, "uploads/Portal.zip")
	require.NoError(t, err)
	assert.Contains(t, u, "/test-bucket/uploads/Portal.zip")
	assert.Contains(t, u, "X-Amz-Expires=604800")
}

func TestUploadMissingFileIsPermanent(t *testing.T) {
	client, err := New(context.Background(), offlineConfig())
	require.NoError(t, err)

	_, err = client.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.zip"), nil)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestUploadWithoutBucketIsPermanent(t *testing.T) {
	cfg := offlineConfig()
	cfg.BucketName = ""
	client, err := New(context.Background(), cfg)
	require.NoError(t, err)

	_, err = client.Upload(context.Background(), "whatever.zip", nil)
	assert.True(t, retry.IsPermanent(err))
}

// Integration tests for the S3 client
// These tests require a real S3 connection and are skipped by default
// To run these tests, set the environment variable S3_INTEGRATION_TEST=true

func integrationConfig(t *testing.T) *config.Config {
	t.Helper()
	if os.Getenv("S3_INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test; set S3_INTEGRATION_TEST=true to run")
	}
	return &config.Config{
		BucketName: os.Getenv("TEST_BUCKET_NAME"),
		Region:     os.Getenv("TEST_REGION"),
		ApiURL:     os.Getenv("TEST_API_URL"),
		AccessKey:  os.Getenv("TEST_ACCESS_KEY"),
		SecretKey:  os.Getenv("TEST_SECRET_KEY"),
		KeyPrefix:  "test-" + time.Now().Format("20060102-150405"),
		LinkTTL:    time.Hour,
	}
}

func TestUpload(t *testing.T) {
	cfg := integrationConfig(t)

	client, err := New(context.Background(), cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "s3client-test.zip")
	content := []byte("test content for S3 upload")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	var lastDone int64
	u, err := client.Upload(context.Background(), path, func(_ float64, done, _ int64) { lastDone = done })
	require.NoError(t, err)
	assert.Contains(t, u, cfg.KeyPrefix+"/s3client-test.zip")
	assert.Equal(t, int64(len(content)), lastDone)
}

func TestPrune(t *testing.T) {
	cfg := integrationConfig(t)

	client, err := New(context.Background(), cfg)
	require.NoError(t, err)

	result, err := client.Prune(context.Background(), "test", 30, true)
	require.NoError(t, err)

	assert.Equal(t, cfg.BucketName, result.BucketName)
	assert.Equal(t, "test", result.Folder)
	assert.Equal(t, 30, result.DaysOld)
	assert.Zero(t, result.DeletedCount)
}
