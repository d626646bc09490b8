package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultTopicPrefix = "parking/command/barriers"

type Publisher interface {
	Publish(ctx context.Context, params *iotdataplane.PublishInput, optFns ...func(*iotdataplane.Options)) (*iotdataplane.PublishOutput, error)
}

type Command struct {
	Command   string    `json:"command"`
	GateID    string    `json:"gate_id"`
	RequestID string    `json:"request_id"`
	IssuedAt  time.Time `json:"issued_at"`
}

// IoTBarrier opens boom barriers by publishing an MQTT command through the
// AWS IoT data plane, one topic per gate.
type IoTBarrier struct {
	client      Publisher
	topicPrefix string
	log         zerolog.Logger
}

func NewIoTBarrier(client Publisher, topicPrefix string, log zerolog.Logger) *IoTBarrier {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &IoTBarrier{
		client:      client,
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		log:         log.With().Str("component", "barrier").Logger(),
	}
}

func (b *IoTBarrier) Topic(gateID string) string {
	return b.topicPrefix + "/" + gateID
}

func (b *IoTBarrier) Open(ctx context.Context, gateID string) error {
	cmd := Command{
		Command:   "open",
		GateID:    gateID,
		RequestID: uuid.NewString(),
		IssuedAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal barrier command: %w", err)
	}

	topic := b.Topic(gateID)
	_, err = b.client.Publish(ctx, &iotdataplane.PublishInput{
		Topic:   aws.String(topic),
		Qos:     1,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("publish barrier command to %s: %w", topic, err)
	}

	b.log.Info().Str("gate_id", gateID).Str("request_id", cmd.RequestID).Str("topic", topic).Msg("barrier open command sent")
	return nil
}

// Noop stands in when no IoT endpoint is configured.
type Noop struct {
	Log zerolog.Logger
}

func (n Noop) Open(ctx context.Context, gateID string) error {
	n.Log.Debug().Str("gate_id", gateID).Msg("barrier control disabled, open skipped")
	return nil
}

// NewIoTClient builds a data-plane client for region. endpoint is the
// account-specific IoT endpoint, with or without a scheme.
func NewIoTClient(ctx context.Context, region, endpoint string) (*iotdataplane.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return iotdataplane.NewFromConfig(cfg, func(o *iotdataplane.Options) {
		if endpoint == "" {
			return
		}
		if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
			endpoint = "https://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}
