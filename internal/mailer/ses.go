package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/config"
	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

// ErrNotConfigured is returned by Send when the SES client could not be built.
var ErrNotConfigured = errors.New("SES client not initialized - check credentials")

// SESAPI is the subset of *sesv2.Client used for delivery.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers outbound messages through Amazon SES.
type SESSender struct {
	client           SESAPI
	configurationSet string
	log              *zap.Logger
}

// NewSESSender builds an SES client for the configured region. Static
// credentials are used when both keys are set; otherwise the default AWS chain.
func NewSESSender(ctx context.Context, cfg config.SESConfig, log *zap.Logger) (*SESSender, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSESSenderWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet, log), nil
}

func NewSESSenderWithClient(client SESAPI, configurationSet string, log *zap.Logger) *SESSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &SESSender{client: client, configurationSet: configurationSet, log: log}
}

// Send delivers one message as plain text.
func (s *SESSender) Send(ctx context.Context, msg *model.OutboundMessage) error {
	if s.client == nil {
		return ErrNotConfigured
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(formatAddress(msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{formatAddress(msg.ToName, msg.ToEmail)}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("enrollment_id"), Value: aws.String(msg.EnrollmentID)},
		},
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send to %s: %w", logger.RedactEmail(msg.ToEmail), err)
	}

	s.log.Debug("ses accepted message",
		zap.String("message_id", msg.ID),
		zap.String("ses_message_id", aws.ToString(out.MessageId)),
		logger.Email("to", msg.ToEmail))
	return nil
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%q <%s>", name, email)
}

// LogSender only logs messages. It backs local runs without SES credentials.
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Send(_ context.Context, msg *model.OutboundMessage) error {
	s.Log.Info("email (log only)",
		zap.String("message_id", msg.ID),
		zap.Int("step", msg.Step),
		logger.Email("to", msg.ToEmail),
		zap.String("subject", msg.Subject))
	return nil
}
