package provider

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/ignite/textpulse/internal/pkg/logger"
)

// SNSSender sends SMS via AWS SNS direct-to-phone publish using the SDK v2.
type SNSSender struct {
	accessKey string
	secretKey string
	region    string
	client    *sns.Client
}

// NewSNSSender creates an SNS sender. Initializes the AWS SDK client if
// credentials are provided.
func NewSNSSender(accessKey, secretKey, region string) *SNSSender {
	if region == "" {
		region = "us-east-1"
	}

	sender := &SNSSender{
		accessKey: accessKey,
		secretKey: secretKey,
		region:    region,
	}

	if accessKey != "" && secretKey != "" {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			log.Printf("[SNS] Warning: Failed to initialize AWS config: %v", err)
		} else {
			sender.client = sns.NewFromConfig(cfg)
		}
	}

	return sender
}

// Kind identifies this adapter as the SNS gateway.
func (s *SNSSender) Kind() Kind { return KindSNS }

// Send delivers a single SMS through AWS SNS.
func (s *SNSSender) Send(ctx context.Context, msg *SMS) (*DispatchResult, error) {
	if s.client == nil {
		return nil, fmt.Errorf("SNS client not initialized - check credentials")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.Phone),
		Message:     aws.String(msg.Body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Promotional"),
			},
		},
	}
	if msg.SenderID != "" {
		input.MessageAttributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.SenderID),
		}
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		log.Printf("[SNS] Failed to send to %s: %v", logger.RedactPhone(msg.Phone), err)
		return nil, &OutageError{Provider: KindSNS, Err: err}
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}

	log.Printf("[SNS] Sent to %s (id: %s)", logger.RedactPhone(msg.Phone), messageID)

	return &DispatchResult{
		Accepted:          true,
		ProviderMessageID: messageID,
		Provider:          KindSNS,
		Cost:              EstimateCost(KindSNS, msg.Body),
		SentAt:            time.Now(),
	}, nil
}
