package objectstore

import (
	"errors"
	"strings"

	"github.com/salespipe-labs/salespipe-go/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketRaw     string
	BucketCurated string
	BucketReports string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("SALESPIPE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("SALESPIPE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("SALESPIPE_MINIO_ACCESS_KEY", "salespipe"),
		SecretKey:     env.String("SALESPIPE_MINIO_SECRET_KEY", "salespipeminio"),
		Region:        env.String("SALESPIPE_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketRaw:     env.String("SALESPIPE_MINIO_BUCKET_RAW", "sales-raw"),
		BucketCurated: env.String("SALESPIPE_MINIO_BUCKET_CURATED", "sales-curated"),
		BucketReports: env.String("SALESPIPE_MINIO_BUCKET_REPORTS", "sales-reports"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.New("endpoint must not include a scheme")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketRaw) == "" {
		return errors.New("raw bucket is required")
	}
	if strings.TrimSpace(c.BucketCurated) == "" {
		return errors.New("curated bucket is required")
	}
	if strings.TrimSpace(c.BucketReports) == "" {
		return errors.New("reports bucket is required")
	}
	return nil
}
