package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/visa-scheduler/internal/artifacts"
	appconfig "github.com/wolfman30/visa-scheduler/internal/config"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

// BuildScreenshotSink archives screenshots to S3 when SCREENSHOT_BUCKET is
// set and to SCREENSHOT_DIR otherwise.
func BuildScreenshotSink(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (artifacts.Sink, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.ScreenshotBucket == "" {
		logger.Info("screenshots stored locally", "dir", cfg.ScreenshotDir)
		return artifacts.NewDirSink(cfg.ScreenshotDir), nil
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWSEndpointOverride != ""
	})
	logger.Info("screenshots archived to s3", "bucket", cfg.ScreenshotBucket)
	return artifacts.NewS3Sink(client, cfg.ScreenshotBucket, logger), nil
}
