package mainconfig

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/hcoin-appointments/internal/app/bootstrap"
	appconfig "github.com/wolfman30/hcoin-appointments/internal/config"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

// LoadAWSConfig centralizes AWS SDK initialization so both binaries share the
// same LocalStack/production wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				switch service {
				case sqs.ServiceID, sesv2.ServiceID:
					return aws.Endpoint{
						URL:           endpoint,
						PartitionID:   "aws",
						SigningRegion: cfg.AWSRegion,
					}, nil
				default:
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
			},
		)
	}

	return awsCfg, nil
}

// AWSClients builds the SQS and SES clients the configuration asks for.
// Nothing is loaded when neither is needed.
func AWSClients(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (bootstrap.AWSClients, error) {
	needSQS := !cfg.UseMemoryQueue && strings.TrimSpace(cfg.RefundQueueURL) != ""
	needSES := strings.TrimSpace(cfg.SESFromEmail) != "" && strings.TrimSpace(cfg.SendGridAPIKey) == ""
	if !needSQS && !needSES {
		return bootstrap.AWSClients{}, nil
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return bootstrap.AWSClients{}, err
	}
	var clients bootstrap.AWSClients
	if needSQS {
		clients.SQS = sqs.NewFromConfig(awsCfg)
	}
	if needSES {
		clients.SES = sesv2.NewFromConfig(awsCfg)
		logger.Info("operator alerts via SES", "from", cfg.SESFromEmail)
	}
	return clients, nil
}
