package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/ignite/relay-rotor/internal/pkg/logger"
	"github.com/ignite/relay-rotor/internal/rotation"
)

// VendorSES selects this adapter on an API provider's credentials.
const VendorSES = "ses"

// SESSender is the AWS SES variant of the API adapter, using SDK v2.
// Clients are cached per provider since credentials are static per row.
type SESSender struct {
	mu      sync.Mutex
	clients map[string]*sesv2.Client
	log     *logger.Logger
}

// NewSESSender creates the SES adapter.
func NewSESSender() *SESSender {
	return &SESSender{
		clients: make(map[string]*sesv2.Client),
		log:     logger.With("ses-adapter"),
	}
}

func (s *SESSender) clientFor(p *rotation.Provider) (*sesv2.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[p.ID]; ok {
		return c, nil
	}

	creds := p.API
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("ses client for %s: %w", p.ID, err)
	}
	c := sesv2.NewFromConfig(cfg)
	s.clients[p.ID] = c
	return c, nil
}

// Send delivers one message through SES under a hard deadline.
func (s *SESSender) Send(ctx context.Context, msg *rotation.Message, p *rotation.Provider, timeout time.Duration) *rotation.TransportResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := s.clientFor(p)
	if err != nil {
		return &rotation.TransportResult{
			Status:       rotation.StatusFailed,
			ErrorCode:    "ses_config",
			ErrorMessage: err.Error(),
		}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := client.SendEmail(ctx, input)
	if err != nil {
		res := classifySESErr(err)
		res.ResponseTimeMs = elapsedMs(start)
		s.log.Warn("ses send failed", "provider", p.ID, "code", res.ErrorCode)
		return res
	}

	id := ""
	if out.MessageId != nil {
		id = *out.MessageId
	}
	s.log.Info("sent", "provider", p.ID, "recipient", msg.Recipient, "id", id)
	return &rotation.TransportResult{
		Status:            rotation.StatusSuccess,
		ResponseTimeMs:    elapsedMs(start),
		ProviderMessageID: id,
	}
}

// classifySESErr maps SDK errors onto the shared taxonomy.
// MessageRejected condemns the message; throttling backs the provider
// off; everything else is a transient provider failure.
func classifySESErr(err error) *rotation.TransportResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return &rotation.TransportResult{
			Status:       rotation.StatusTimeout,
			ErrorCode:    "ses_timeout",
			ErrorMessage: err.Error(),
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "TooManyRequestsException", "Throttling", "ThrottlingException":
			return &rotation.TransportResult{
				Status:       rotation.StatusRateLimited,
				ErrorCode:    code,
				ErrorMessage: apiErr.ErrorMessage(),
			}
		case "MessageRejected", "BadRequestException":
			return &rotation.TransportResult{
				Status:       rotation.StatusFailed,
				ErrorCode:    code,
				ErrorMessage: apiErr.ErrorMessage(),
				Permanent:    true,
			}
		default:
			return &rotation.TransportResult{
				Status:       rotation.StatusFailed,
				ErrorCode:    code,
				ErrorMessage: apiErr.ErrorMessage(),
			}
		}
	}

	return &rotation.TransportResult{
		Status:       rotation.StatusFailed,
		ErrorCode:    "ses_error",
		ErrorMessage: err.Error(),
	}
}
