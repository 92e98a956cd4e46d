// Package sqsqueue adapts Amazon SQS queues to the queue.Source contract.
package sqsqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/loggingutil"
	"pkt.systems/fnhost/internal/queue"
	"pkt.systems/fnhost/internal/storage"
)

const (
	// MaxMessageBytes is the SQS payload limit.
	MaxMessageBytes = 256 * 1024
	maxBatch        = 10
	maxVisibility   = 12 * time.Hour
)

// API is the subset of *sqs.Client used by the adapter.
type API interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config configures the SQS provider.
type Config struct {
	Region   string
	Endpoint string
	Insecure bool
	// QueuePrefix is prepended to every queue name.
	QueuePrefix string
	// WaitTime enables long polling when positive (capped at 20s by SQS).
	WaitTime time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Provider opens SQS queues by name.
type Provider struct {
	api    API
	cfg    Config
	clock  clock.Clock
	logger pslog.Logger
}

// New builds a provider from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("sqs: region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient(cfg.Insecure)),
	)
	if err != nil {
		return nil, fmt.Errorf("sqs: load config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(endpoint, cfg.Insecure))
		}
	})
	return NewWithAPI(client, cfg), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, cfg Config) *Provider {
	return &Provider{
		api:    api,
		cfg:    cfg,
		clock:  clock.Ensure(cfg.Clock),
		logger: loggingutil.WithSubsystem(cfg.Logger, "queue", "sqs"),
	}
}

// Open resolves the queue URL, creating the queue when create is set.
func (p *Provider) Open(ctx context.Context, name string, create bool) (queue.Source, error) {
	if err := queue.ValidateName(name); err != nil {
		return nil, err
	}
	remote := p.cfg.QueuePrefix + name
	out, err := p.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(remote)})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if !errors.As(err, &missing) {
			return nil, wrapError("get queue url", err)
		}
		if !create {
			return nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
		}
		created, err := p.api.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(remote)})
		if err != nil {
			return nil, wrapError("create queue", err)
		}
		p.logger.Info("queue.created", "queue", name)
		return p.source(name, aws.ToString(created.QueueUrl)), nil
	}
	return p.source(name, aws.ToString(out.QueueUrl)), nil
}

func (p *Provider) source(name, url string) *Source {
	return &Source{provider: p, name: name, url: url}
}

// Source is one SQS queue.
type Source struct {
	provider *Provider
	name     string
	url      string
}

// Name returns the logical queue name.
func (s *Source) Name() string { return s.name }

// URL returns the resolved queue URL.
func (s *Source) URL() string { return s.url }

// Dequeue receives up to batchSize messages. SQS caps batches at 10.
func (s *Source) Dequeue(ctx context.Context, batchSize int, visibility time.Duration) ([]*queue.Message, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	if batchSize > maxBatch {
		batchSize = maxBatch
	}
	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.url),
		MaxNumberOfMessages: int32(batchSize),
		VisibilityTimeout:   seconds(visibility),
		WaitTimeSeconds:     seconds(s.provider.cfg.WaitTime),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	}
	if in.WaitTimeSeconds > 20 {
		in.WaitTimeSeconds = 20
	}
	out, err := s.provider.api.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, s.mapError("receive", err)
	}
	now := s.provider.clock.Now()
	visibleAt := now.Add(time.Duration(in.VisibilityTimeout) * time.Second)
	msgs := make([]*queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		inserted := now
		if ms, err := strconv.ParseInt(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
			inserted = time.UnixMilli(ms).UTC()
		}
		msgs = append(msgs, queue.NewMessage(
			aws.ToString(m.MessageId),
			[]byte(aws.ToString(m.Body)),
			count,
			inserted,
			visibleAt,
			aws.ToString(m.ReceiptHandle),
		))
	}
	return msgs, nil
}

// Delete removes msg. Invalid receipt handles mean the message is already
// gone or leased elsewhere and are ignored.
func (s *Source) Delete(ctx context.Context, msg *queue.Message) error {
	_, err := s.provider.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.url),
		ReceiptHandle: aws.String(msg.PopReceipt()),
	})
	if err == nil {
		return nil
	}
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		s.provider.logger.Debug("queue.delete.stale_receipt", "queue", s.name, "message_id", msg.ID)
		return nil
	}
	return s.mapError("delete", err)
}

// ExtendVisibility keeps msg hidden for d from now.
func (s *Source) ExtendVisibility(ctx context.Context, msg *queue.Message, d time.Duration) error {
	if d > maxVisibility {
		d = maxVisibility
	}
	secs := seconds(d)
	_, err := s.provider.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.url),
		ReceiptHandle:     aws.String(msg.PopReceipt()),
		VisibilityTimeout: secs,
	})
	if err != nil {
		var notInflight *types.MessageNotInflight
		var invalid *types.ReceiptHandleIsInvalid
		if errors.As(err, &notInflight) || errors.As(err, &invalid) {
			return fmt.Errorf("%w: %s", queue.ErrPopReceiptMismatch, msg.ID)
		}
		return s.mapError("change visibility", err)
	}
	msg.UpdateLease("", s.provider.clock.Now().Add(time.Duration(secs)*time.Second))
	return nil
}

// Enqueue sends body as a new message.
func (s *Source) Enqueue(ctx context.Context, body []byte) (*queue.Message, error) {
	if len(body) > MaxMessageBytes {
		return nil, fmt.Errorf("%w: %s exceeds %s", queue.ErrMessageTooLarge,
			humanize.IBytes(uint64(len(body))), humanize.IBytes(MaxMessageBytes))
	}
	out, err := s.provider.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return nil, s.mapError("send", err)
	}
	now := s.provider.clock.Now()
	return queue.NewMessage(aws.ToString(out.MessageId), body, 0, now, now, ""), nil
}

// ApproximateCount sums visible and in-flight messages, capped at limit.
func (s *Source) ApproximateCount(ctx context.Context, limit int) (int, error) {
	out, err := s.provider.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(s.url),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return 0, s.mapError("get attributes", err)
	}
	total := 0
	for _, name := range []types.QueueAttributeName{
		types.QueueAttributeNameApproximateNumberOfMessages,
		types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
	} {
		n, err := strconv.Atoi(out.Attributes[string(name)])
		if err == nil {
			total += n
		}
	}
	if limit > 0 && total > limit {
		total = limit
	}
	return total, nil
}

func (s *Source) mapError(op string, err error) error {
	var missing *types.QueueDoesNotExist
	if errors.As(err, &missing) {
		return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, s.name)
	}
	return wrapError(op, err)
}

func wrapError(op string, err error) error {
	wrapped := fmt.Errorf("sqs: %s: %w", op, err)
	if retryable(err) {
		return storage.Transient(wrapped)
	}
	return wrapped
}

// seconds rounds d up to whole seconds as SQS expects.
func seconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	secs := math.Ceil(d.Seconds())
	if secs > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(secs)
}
