package sender

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/meridianbrokers/courier/internal/store"
)

// SMSConfig holds the SNS sender settings.
type SMSConfig struct {
	Region      string
	CountryCode string
}

// SMSSender delivers SMS via AWS SNS.
type SMSSender struct {
	client      *sns.Client
	countryCode string
	logger      *zap.Logger
}

// NewSMSSender creates an SNS-backed SMS sender.
func NewSMSSender(ctx context.Context, cfg SMSConfig, logger *zap.Logger) (*SMSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	countryCode := cfg.CountryCode
	if countryCode == "" {
		countryCode = "91"
	}

	return &SMSSender{
		client:      sns.NewFromConfig(awsCfg),
		countryCode: countryCode,
		logger:      logger,
	}, nil
}

// Send publishes the SMS to the recipient's phone number.
func (s *SMSSender) Send(ctx context.Context, msg *store.QueuedMessage) error {
	phone, text, err := smsPayload(msg)
	if err != nil {
		return err
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String("+" + FormatPhone(phone, s.countryCode)),
		Message:     aws.String(text),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("sms sent via SNS",
		zap.String("message_id", msg.ID.String()),
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// LogSMSSender stands in when no SMS gateway is configured. It logs the
// intent and reports success, keeping the channel contract interchangeable.
type LogSMSSender struct {
	logger *zap.Logger
}

// NewLogSMSSender creates the stub SMS sender.
func NewLogSMSSender(logger *zap.Logger) *LogSMSSender {
	return &LogSMSSender{logger: logger}
}

func (s *LogSMSSender) Send(ctx context.Context, msg *store.QueuedMessage) error {
	phone, text, err := smsPayload(msg)
	if err != nil {
		return err
	}

	s.logger.Info("sms send (stub)",
		zap.String("message_id", msg.ID.String()),
		zap.String("phone", phone),
		zap.Int("length", len(text)),
	)
	return nil
}

func smsPayload(msg *store.QueuedMessage) (phone, text string, err error) {
	if msg.Channel != store.ChannelSMS {
		return "", "", fmt.Errorf("%w: sms sender got channel %q", ErrBadPayload, msg.Channel)
	}

	var recipient SMSRecipient
	if err := json.Unmarshal(msg.Recipient, &recipient); err != nil || recipient.Phone == "" {
		return "", "", fmt.Errorf("%w: sms recipient missing phone", ErrBadPayload)
	}

	var content SMSContent
	if err := json.Unmarshal(msg.Content, &content); err != nil || content.Message == "" {
		return "", "", fmt.Errorf("%w: sms content missing message", ErrBadPayload)
	}

	return recipient.Phone, content.Message, nil
}
