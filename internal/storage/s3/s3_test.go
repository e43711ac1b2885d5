package s3

import (
	"testing"

	"github.com/cloudnetservice/updateserver/internal/config"
)

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	if _, err := New(&config.S3MirrorConfig{Region: "eu-central-1"}); err == nil {
		t.Error("New() without bucket = nil error, want error")
	}
	if _, err := New(&config.S3MirrorConfig{Bucket: "archive"}); err == nil {
		t.Error("New() without region = nil error, want error")
	}
}

func TestNew_WithStaticCredentials(t *testing.T) {
	mirror, err := New(&config.S3MirrorConfig{
		Bucket:          "archive",
		Region:          "eu-central-1",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if mirror.bucket != "archive" {
		t.Errorf("bucket = %q, want archive", mirror.bucket)
	}
}
