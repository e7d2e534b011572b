//go:build e2e

// Package e2e exercises the engine against real S3 semantics through
// LocalStack. Run with: go test -tags e2e ./test/e2e/...
package e2e

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

var (
	awsCfg      aws.Config
	s3Endpoint  string
	localstackC *localstack.LocalStackContainer
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	localstackC, err = localstack.Run(ctx, "localstack/localstack:3.0.2")
	if err != nil {
		log.Fatalf("start localstack: %v", err)
	}

	host, err := localstackC.Host(ctx)
	if err != nil {
		log.Fatalf("localstack host: %v", err)
	}
	port, err := localstackC.MappedPort(ctx, "4566/tcp")
	if err != nil {
		log.Fatalf("localstack port: %v", err)
	}
	s3Endpoint = fmt.Sprintf("http://%s:%s", host, port.Port())

	awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}

	code := m.Run()
	_ = testcontainers.TerminateContainer(localstackC)
	os.Exit(code)
}

// newS3Client builds a client pointed at the LocalStack endpoint.
// Path-style addressing is required, LocalStack has no per-bucket DNS.
func newS3Client() *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s3Endpoint)
		o.UsePathStyle = true
	})
}

func createBucket(ctx context.Context, client *s3.Client, name string) error {
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)})
	return err
}
