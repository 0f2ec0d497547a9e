package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/compresr/credit-reconciler/internal/config"
	"github.com/compresr/credit-reconciler/internal/reconcile"
)

// runReplayCommand processes a JSONL file (or stdin) as one batch and prints
// the partial-failure result as JSON on stdout.
func runReplayCommand(args []string) {
	opts, err := parseCommonOptions(args)
	if err != nil {
		fatal(err)
	}
	if len(opts.rest) > 1 {
		fatal(fmt.Errorf("replay takes at most one file, got %d", len(opts.rest)))
	}
	cfg := loadConfig(opts)

	in := io.Reader(os.Stdin)
	if len(opts.rest) == 1 && opts.rest[0] != "-" {
		f, err := os.Open(opts.rest[0])
		if err != nil {
			fatal(err)
		}
		defer f.Close()
		in = f
	}

	msgs, err := readMessages(in)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fatal(err)
	}
	err = a.closeAfter(func() error {
		result := replay(ctx, a.harness, msgs, config.MaxSQSBatchSize)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	})
	if err != nil {
		fatal(err)
	}
}

// readMessages parses one message per line. Blank lines are skipped; lines
// without a messageId get a generated one.
func readMessages(r io.Reader) ([]reconcile.Message, error) {
	var msgs []reconcile.Message
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id := gjson.Get(line, "messageId").String()
		if id == "" {
			id = uuid.NewString()
		}
		msgs = append(msgs, reconcile.Message{ID: id, Body: []byte(line)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return msgs, nil
}

type batchHandler interface {
	HandleBatch(ctx context.Context, msgs []reconcile.Message) reconcile.BatchResult
}

// replay feeds msgs to h in broker-sized batches and merges the results.
func replay(ctx context.Context, h batchHandler, msgs []reconcile.Message, batchSize int) reconcile.BatchResult {
	merged := reconcile.BatchResult{FailedIDs: []string{}}
	for start := 0; start < len(msgs); start += batchSize {
		end := min(start+batchSize, len(msgs))
		r := h.HandleBatch(ctx, msgs[start:end])
		merged.SucceededIDs = append(merged.SucceededIDs, r.SucceededIDs...)
		merged.FailedIDs = append(merged.FailedIDs, r.FailedIDs...)
	}
	return merged
}
