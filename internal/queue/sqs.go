// Package queue feeds broker messages into the reconcile harness.
//
// DESIGN: Messages reported as failed by the harness are simply not deleted;
// SQS redelivers them once the visibility timeout expires. Every pipeline step
// is idempotent, so a delete that fails after success is harmless too.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"github.com/compresr/credit-reconciler/internal/config"
	"github.com/compresr/credit-reconciler/internal/reconcile"
)

// SQSAPI is the subset of the SQS client the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// BatchHandler processes one batch and reports per-message failures.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []reconcile.Message) reconcile.BatchResult
}

// Consumer long-polls an SQS queue.
type Consumer struct {
	client      SQSAPI
	queueURL    string
	maxMessages int32
	waitTime    time.Duration
	visibility  time.Duration
	handler     BatchHandler

	// errorBackoff is the pause after a failed receive.
	errorBackoff time.Duration
}

// NewConsumer creates a consumer for cfg.URL.
func NewConsumer(client SQSAPI, cfg config.QueueConfig, handler BatchHandler) *Consumer {
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 || maxMessages > config.MaxSQSBatchSize {
		maxMessages = config.MaxSQSBatchSize
	}
	waitTime := cfg.WaitTime
	if waitTime <= 0 {
		waitTime = config.DefaultSQSWaitTime
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = config.DefaultSQSVisibilityTimeout
	}
	return &Consumer{
		client:       client,
		queueURL:     cfg.URL,
		maxMessages:  maxMessages,
		waitTime:     waitTime,
		visibility:   visibility,
		handler:      handler,
		errorBackoff: time.Second,
	}
}

// NewFromConfig builds the SQS client from the default AWS credential chain.
func NewFromConfig(ctx context.Context, cfg config.QueueConfig, handler BatchHandler) (*Consumer, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("queue: load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewConsumer(client, cfg, handler), nil
}

// Run polls until ctx is cancelled. A batch already received is processed to
// completion even if ctx is cancelled meanwhile.
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().
		Str("queue_url", c.queueURL).
		Int32("max_messages", c.maxMessages).
		Dur("visibility_timeout", c.visibility).
		Msg("queue: consumer started")

	for {
		if ctx.Err() != nil {
			log.Info().Msg("queue: consumer stopped")
			return nil
		}
		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Dur("backoff", c.errorBackoff).Msg("queue: receive failed")
			select {
			case <-ctx.Done():
			case <-time.After(c.errorBackoff):
			}
		}
	}
}

// PollOnce receives one batch, processes it and deletes the messages that
// succeeded. It returns the number of messages received.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     int32(c.waitTime / time.Second),
		VisibilityTimeout:   int32(c.visibility / time.Second),
	})
	if err != nil {
		return 0, err
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	msgs := make([]reconcile.Message, 0, len(out.Messages))
	receipts := make(map[string]string, len(out.Messages))
	for _, m := range out.Messages {
		id := aws.ToString(m.MessageId)
		msgs = append(msgs, reconcile.Message{ID: id, Body: []byte(aws.ToString(m.Body))})
		receipts[id] = aws.ToString(m.ReceiptHandle)
	}

	// In-flight work is drained, not abandoned, on shutdown.
	workCtx := context.WithoutCancel(ctx)
	result := c.handler.HandleBatch(workCtx, msgs)

	c.deleteSucceeded(workCtx, result.SucceededIDs, receipts)
	return len(msgs), nil
}

func (c *Consumer) deleteSucceeded(ctx context.Context, ids []string, receipts map[string]string) {
	if len(ids) == 0 {
		return
	}

	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(ids))
	byEntry := make(map[string]string, len(ids))
	for i, id := range ids {
		entryID := strconv.Itoa(i)
		byEntry[entryID] = id
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(entryID),
			ReceiptHandle: aws.String(receipts[id]),
		})
	}

	out, err := c.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(c.queueURL),
		Entries:  entries,
	})
	if err != nil {
		log.Warn().Err(err).Int("count", len(entries)).Msg("queue: delete failed, messages will be redelivered")
		return
	}
	for _, f := range out.Failed {
		log.Warn().
			Str("message_id", byEntry[aws.ToString(f.Id)]).
			Str("code", aws.ToString(f.Code)).
			Str("reason", aws.ToString(f.Message)).
			Msg("queue: delete rejected, message will be redelivered")
	}
}
