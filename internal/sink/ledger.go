package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// LedgerReceipt is what the ledger returns for a stored record
type LedgerReceipt struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
}

// LedgerClient posts each completed listing to an append-only ledger
// service. Records are sent one by one; a failed record is logged and the
// rest are still sent.
type LedgerClient struct {
	addURL  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewLedgerClient creates a client for the ledger at baseURL.
func NewLedgerClient(baseURL string, timeout time.Duration, logger *zap.Logger) *LedgerClient {
	return &LedgerClient{
		addURL:  strings.TrimRight(baseURL, "/") + "/add",
		timeout: timeout,
		logger:  logger,
	}
}

// Name identifies the sink in logs.
func (c *LedgerClient) Name() string {
	return "ledger"
}

// Append sends every successfully extracted listing of the batch.
func (c *LedgerClient) Append(ctx context.Context, batch Batch) error {
	var failed int
	for _, l := range batch.Listings {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.Failed() {
			continue
		}
		receipt, err := c.post(fiber.Map{
			"task_id": batch.TaskID,
			"query":   batch.Query,
			"name":    l.Name,
			"address": l.Address,
			"phone":   l.Phone,
			"website": l.Website,
		})
		if err != nil {
			failed++
			c.logger.Warn("Ledger append failed", zap.String("task_id", batch.TaskID), zap.String("name", l.Name), zap.Error(err))
			continue
		}
		c.logger.Debug("Ledger append",
			zap.String("task_id", batch.TaskID),
			zap.Int("index", receipt.Index),
			zap.String("hash", receipt.Hash),
		)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d ledger appends failed", failed, len(batch.Listings))
	}
	return nil
}

func (c *LedgerClient) post(record fiber.Map) (LedgerReceipt, error) {
	var receipt LedgerReceipt
	code, body, errs := fiber.Post(c.addURL).
		Timeout(c.timeout).
		JSON(record).
		Struct(&receipt)
	if len(errs) > 0 {
		return receipt, errors.Join(errs...)
	}
	if code != fiber.StatusCreated && code != fiber.StatusOK {
		return receipt, fmt.Errorf("ledger returned %d: %s", code, truncate(string(body), 200))
	}
	return receipt, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
