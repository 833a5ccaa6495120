package pub

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

const SNS_ENDPOINT = "SNS_ENDPOINT"

// SNSPublisher publishes JSON payloads to SNS topics.
type SNSPublisher struct{ cli *sns.Client }

func NewSNS(c *sns.Client) *SNSPublisher { return &SNSPublisher{cli: c} }

// NewSNSFromEnv builds a publisher from the default AWS config. When SNS_ENDPOINT is set (LocalStack) it talks to
// that endpoint with static test credentials.
func NewSNSFromEnv(ctx context.Context) (*SNSPublisher, error) {
	var snsEndpoint *string
	if se := os.Getenv(SNS_ENDPOINT); se != "" {
		snsEndpoint = aws.String(se)
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	cli := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if snsEndpoint != nil {
			o.BaseEndpoint = snsEndpoint
			if o.Region == "" {
				o.Region = "us-east-1"
			}
			o.Credentials = credentials.NewStaticCredentialsProvider("test", "test", "")
		}
	})
	return NewSNS(cli), nil
}

// PublishRaw sends payload as the message body. Each message is tagged with an application/json content-type
// attribute so subscribers can decode it without guessing.
func (s *SNSPublisher) PublishRaw(ctx context.Context, arn string, payload []byte) error {
	_, err := s.cli.Publish(ctx, &sns.PublishInput{
		TopicArn: &arn,
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"content-type": {DataType: aws.String("String"), StringValue: aws.String("application/json")},
		},
	})
	return err
}
