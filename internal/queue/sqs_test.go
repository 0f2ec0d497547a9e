package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/credit-reconciler/internal/config"
	"github.com/compresr/credit-reconciler/internal/reconcile"
)

type fakeSQS struct {
	mu       sync.Mutex
	batches  [][]types.Message
	recvErr  error
	received []*sqs.ReceiveMessageInput
	deleted  []string // receipt handles
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, in)
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	if len(f.batches) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: b}, nil
}

func (f *fakeSQS) DeleteMessageBatch(_ context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range in.Entries {
		f.deleted = append(f.deleted, aws.ToString(e.ReceiptHandle))
	}
	return &sqs.DeleteMessageBatchOutput{}, nil
}

// failingHandler fails the listed message ids.
type failingHandler struct {
	fail map[string]bool
	seen []reconcile.Message
}

func (h *failingHandler) HandleBatch(_ context.Context, msgs []reconcile.Message) reconcile.BatchResult {
	h.seen = append(h.seen, msgs...)
	result := reconcile.BatchResult{FailedIDs: []string{}}
	for _, m := range msgs {
		if h.fail[m.ID] {
			result.FailedIDs = append(result.FailedIDs, m.ID)
		} else {
			result.SucceededIDs = append(result.SucceededIDs, m.ID)
		}
	}
	return result
}

func sqsMessage(id, body string) types.Message {
	return types.Message{MessageId: aws.String(id), Body: aws.String(body), ReceiptHandle: aws.String("rh-" + id)}
}

func TestPollOnce_DeletesOnlySucceeded(t *testing.T) {
	client := &fakeSQS{batches: [][]types.Message{{
		sqsMessage("m1", `{"generationId":"g1","workspaceId":"w"}`),
		sqsMessage("m2", `{}`),
		sqsMessage("m3", `{"generationId":"g3","workspaceId":"w"}`),
	}}}
	handler := &failingHandler{fail: map[string]bool{"m2": true}}
	c := NewConsumer(client, config.QueueConfig{URL: "https://sqs.local/q"}, handler)

	n, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"rh-m1", "rh-m3"}, client.deleted)

	require.Len(t, handler.seen, 3)
	assert.Equal(t, "m1", handler.seen[0].ID)
	assert.JSONEq(t, `{"generationId":"g1","workspaceId":"w"}`, string(handler.seen[0].Body))
}

func TestPollOnce_ReceiveParameters(t *testing.T) {
	client := &fakeSQS{}
	c := NewConsumer(client, config.QueueConfig{
		URL:               "https://sqs.local/q",
		MaxMessages:       50,
		VisibilityTimeout: 90 * time.Second,
	}, &failingHandler{})

	n, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, client.received, 1)
	in := client.received[0]
	assert.Equal(t, "https://sqs.local/q", aws.ToString(in.QueueUrl))
	assert.Equal(t, int32(config.MaxSQSBatchSize), in.MaxNumberOfMessages)
	assert.Equal(t, int32(20), in.WaitTimeSeconds)
	assert.Equal(t, int32(90), in.VisibilityTimeout)
	assert.Empty(t, client.deleted)
}

func TestPollOnce_AllFailedDeletesNothing(t *testing.T) {
	client := &fakeSQS{batches: [][]types.Message{{sqsMessage("m1", `x`)}}}
	c := NewConsumer(client, config.QueueConfig{URL: "q"}, &failingHandler{fail: map[string]bool{"m1": true}})

	_, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, client.deleted)
}

func TestRun_StopsOnCancel(t *testing.T) {
	client := &fakeSQS{recvErr: errors.New("throttled")}
	c := NewConsumer(client, config.QueueConfig{URL: "q"}, &failingHandler{})
	c.errorBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.received) >= 2
	}, time.Second, time.Millisecond, "receive errors are retried")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
