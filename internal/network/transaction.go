package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"imsd/pkg/types"
)

var (
	// ErrTimeout is reported when no response arrived within the request deadline.
	ErrTimeout = errors.New("transaction timed out")
	// ErrCancelled is reported for transactions dropped by CancelAll or Cancel.
	ErrCancelled = errors.New("transaction cancelled")
)

// Sender transmits a raw packet. *Endpoint satisfies it.
type Sender interface {
	Send(data []byte) error
}

// PendingTransaction represents a request awaiting a response.
type PendingTransaction struct {
	TransactionID uint16
	RequestData   []byte
	SentAt        time.Time
	FirstSentAt   time.Time
	Timeout       time.Duration
	RetryCount    int
	ResultCh      chan types.TransactionResult
}

// TransactionTracker matches responses to outstanding requests by
// transaction id and fails the ones that outlive their deadline.
type TransactionTracker struct {
	pending    map[uint16]*PendingTransaction
	mu         sync.Mutex
	timeout    time.Duration
	maxRetries int
	sender     Sender
}

// NewTransactionTracker creates a tracker. timeout is the default per-request
// deadline, maxRetries the number of retransmissions before giving up.
func NewTransactionTracker(sender Sender, timeout time.Duration, maxRetries int) *TransactionTracker {
	return &TransactionTracker{
		pending:    make(map[uint16]*PendingTransaction),
		timeout:    timeout,
		maxRetries: maxRetries,
		sender:     sender,
	}
}

// Track registers a pending transaction using the default timeout.
func (t *TransactionTracker) Track(txn uint16, requestData []byte) <-chan types.TransactionResult {
	return t.TrackWithTimeout(txn, requestData, t.timeout)
}

// TrackWithTimeout registers a pending transaction with its own deadline.
func (t *TransactionTracker) TrackWithTimeout(txn uint16, requestData []byte, timeout time.Duration) <-chan types.TransactionResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, exists := t.pending[txn]; exists {
		old.ResultCh <- types.TransactionResult{
			TransactionID: txn,
			Error:         fmt.Errorf("%w: transaction id %d reused", ErrCancelled, txn),
		}
	}

	now := time.Now()
	resultCh := make(chan types.TransactionResult, 1)
	t.pending[txn] = &PendingTransaction{
		TransactionID: txn,
		RequestData:   requestData,
		SentAt:        now,
		FirstSentAt:   now,
		Timeout:       timeout,
		ResultCh:      resultCh,
	}

	return resultCh
}

// Resolve matches a received response to a pending transaction.
// It reports whether a pending transaction was found.
func (t *TransactionTracker) Resolve(txn uint16, responseData []byte) bool {
	t.mu.Lock()
	tx, exists := t.pending[txn]
	if !exists {
		t.mu.Unlock()
		log.WithField("txn", txn).Warn("Received response for unknown transaction")
		return false
	}
	delete(t.pending, txn)
	t.mu.Unlock()

	tx.ResultCh <- types.TransactionResult{
		TransactionID: txn,
		Response:      responseData,
		ResponseTime:  time.Since(tx.FirstSentAt),
	}
	return true
}

// Cancel drops a single pending transaction, for callers whose context ended.
func (t *TransactionTracker) Cancel(txn uint16) {
	t.mu.Lock()
	tx, exists := t.pending[txn]
	if exists {
		delete(t.pending, txn)
	}
	t.mu.Unlock()

	if exists {
		tx.ResultCh <- types.TransactionResult{TransactionID: txn, Error: ErrCancelled}
	}
}

// StartTimeoutMonitor starts a goroutine that checks for timed-out transactions.
func (t *TransactionTracker) StartTimeoutMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.checkTimeouts()
			}
		}
	}()
}

func (t *TransactionTracker) checkTimeouts() {
	t.mu.Lock()
	var timedOut []*PendingTransaction
	now := time.Now()

	for _, tx := range t.pending {
		if now.Sub(tx.SentAt) > tx.Timeout {
			timedOut = append(timedOut, tx)
		}
	}
	t.mu.Unlock()

	for _, tx := range timedOut {
		t.handleTimeout(tx)
	}
}

func (t *TransactionTracker) handleTimeout(tx *PendingTransaction) {
	t.mu.Lock()
	// Verify still pending (may have been resolved between check and handle)
	if cur, exists := t.pending[tx.TransactionID]; !exists || cur != tx {
		t.mu.Unlock()
		return
	}

	if tx.RetryCount < t.maxRetries && t.sender != nil {
		tx.RetryCount++
		tx.SentAt = time.Now()
		t.mu.Unlock()

		log.WithFields(log.Fields{
			"txn":     tx.TransactionID,
			"attempt": tx.RetryCount,
			"max":     t.maxRetries,
		}).Warn("Transaction timeout, retransmitting")

		if err := t.sender.Send(tx.RequestData); err != nil {
			log.WithError(err).WithField("txn", tx.TransactionID).Error("Retransmission failed")
		}
		return
	}

	delete(t.pending, tx.TransactionID)
	t.mu.Unlock()

	log.WithFields(log.Fields{
		"txn":     tx.TransactionID,
		"retries": tx.RetryCount,
		"timeout": tx.Timeout,
	}).Warn("Transaction timed out")

	tx.ResultCh <- types.TransactionResult{
		TransactionID: tx.TransactionID,
		Error:         fmt.Errorf("%w after %s and %d retries", ErrTimeout, tx.Timeout, tx.RetryCount),
	}
}

// PendingCount returns the number of pending transactions.
func (t *TransactionTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CancelAll cancels all pending transactions.
func (t *TransactionTracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for txn, tx := range t.pending {
		tx.ResultCh <- types.TransactionResult{
			TransactionID: txn,
			Error:         ErrCancelled,
		}
		delete(t.pending, txn)
	}
}
