package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"

	"parking-gate-service/internal/domain/anpr"
)

const sqsRetryDelay = 5 * time.Second

type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// IngestFunc receives every detection read from the queue. Returning an error
// leaves the message on the queue for redelivery.
type IngestFunc func(ctx context.Context, payload anpr.DetectionPayload) error

// SQSFeed long-polls a queue that camera gateways publish detections to and
// hands each message to the ingest path.
type SQSFeed struct {
	client   SQSAPI
	queueURL string
	ingest   IngestFunc
	log      zerolog.Logger
}

func NewSQSFeed(client SQSAPI, queueURL string, ingest IngestFunc, log zerolog.Logger) *SQSFeed {
	return &SQSFeed{
		client:   client,
		queueURL: queueURL,
		ingest:   ingest,
		log:      log.With().Str("component", "sqs_feed").Str("queue", queueURL).Logger(),
	}
}

func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (f *SQSFeed) Run(ctx context.Context) {
	f.log.Info().Msg("sqs feed started")
	for {
		select {
		case <-ctx.Done():
			f.log.Info().Msg("sqs feed stopped")
			return
		default:
		}

		out, err := f.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(f.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   60,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			f.log.Warn().Err(err).Msg("receive messages failed")
			select {
			case <-time.After(sqsRetryDelay):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range out.Messages {
			f.handle(ctx, msg.MessageId, msg.Body, msg.ReceiptHandle)
		}
	}
}

func (f *SQSFeed) handle(ctx context.Context, id, body, receipt *string) {
	log := f.log.With().Str("message_id", aws.ToString(id)).Logger()

	if body == nil {
		log.Warn().Msg("empty message body, deleting")
		f.delete(ctx, receipt)
		return
	}

	var payload anpr.DetectionPayload
	if err := json.Unmarshal([]byte(*body), &payload); err != nil {
		log.Warn().Err(err).Msg("undecodable detection, deleting")
		f.delete(ctx, receipt)
		return
	}

	if err := f.ingest(ctx, payload); err != nil {
		if errors.Is(err, anpr.ErrMalformedDetection) {
			log.Warn().Err(err).Msg("malformed detection, deleting")
			f.delete(ctx, receipt)
			return
		}
		log.Error().Err(err).Msg("ingest failed, message will be redelivered")
		return
	}
	f.delete(ctx, receipt)
}

func (f *SQSFeed) delete(ctx context.Context, receipt *string) {
	if receipt == nil {
		f.log.Warn().Msg("message without receipt handle, cannot delete")
		return
	}
	if _, err := f.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(f.queueURL),
		ReceiptHandle: receipt,
	}); err != nil {
		f.log.Warn().Err(err).Msg("delete message failed")
	}
}
