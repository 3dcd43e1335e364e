package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"imsd/internal/qmi"
)

// Requester sends one request to a baseband service. *baseband.Client
// satisfies it.
type Requester interface {
	Service() qmi.Service
	Request(ctx context.Context, msgID uint16, build func(*qmi.Builder), timeout time.Duration) ([]byte, error)
}

// Status is the outcome of a service's status query.
type Status struct {
	Kind     ServiceKind
	Query    string
	Success  bool
	TLVCount int
	Err      error
	At       time.Time
}

// Querier issues the auxiliary status queries and keeps their results.
type Querier struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[ServiceKind]Requester
	results map[ServiceKind]Status
	wg      sync.WaitGroup
}

// NewQuerier creates a querier whose requests wait at most timeout.
func NewQuerier(timeout time.Duration) *Querier {
	return &Querier{
		timeout: timeout,
		clients: make(map[ServiceKind]Requester),
		results: make(map[ServiceKind]Status),
	}
}

// Register binds the client used for kind.
func (q *Querier) Register(kind ServiceKind, r Requester) error {
	if r.Service() != kind.Service() {
		return fmt.Errorf("client for %s talks to %s", kind, r.Service())
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clients[kind] = r
	return nil
}

// Start issues the status query of kind in the background.
func (q *Querier) Start(ctx context.Context, kind ServiceKind) {
	name, msgID, build := kind.query()

	q.mu.Lock()
	r, ok := q.clients[kind]
	q.mu.Unlock()
	if !ok {
		log.WithField("service", kind.String()).Debug("No client registered, skipping status query")
		return
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		resp, err := r.Request(ctx, msgID, build, q.timeout)
		st := Status{
			Kind:     kind,
			Query:    name,
			Success:  err == nil,
			TLVCount: qmi.CountTLVs(resp),
			Err:      err,
			At:       time.Now(),
		}
		fields := log.Fields{
			"service": kind.String(),
			"query":   name,
			"tlvs":    st.TLVCount,
		}
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("Service status query failed")
		} else {
			log.WithFields(fields).Info("Service status query succeeded")
		}

		q.mu.Lock()
		q.results[kind] = st
		q.mu.Unlock()
	}()
}

// StartAll issues the query of every registered service.
func (q *Querier) StartAll(ctx context.Context) {
	for _, k := range AllKinds {
		q.Start(ctx, k)
	}
}

// Wait blocks until every started query completed.
func (q *Querier) Wait() {
	q.wg.Wait()
}

// Status returns the last result for kind.
func (q *Querier) Status(kind ServiceKind) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.results[kind]
	return st, ok
}
