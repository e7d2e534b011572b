package commands

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/viper"

	"github.com/stepwise-graph/stepwise/pkg/storage"
)

// newBlobStore builds the configured checkpoint/spill backend.
func newBlobStore(ctx context.Context) (storage.BlobStore, error) {
	switch viper.GetString("storage") {
	case "", "local":
		return storage.NewLocalStore(viper.GetString("storage-root")), nil
	case "s3":
		bucket := viper.GetString("s3-bucket")
		if bucket == "" {
			return nil, fmt.Errorf("s3 backend requires --s3-bucket")
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return storage.NewS3Store(cfg, bucket), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", viper.GetString("storage"))
	}
}
