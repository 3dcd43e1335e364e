package baseband

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"imsd/internal/network"
	"imsd/internal/qmi"
	"imsd/internal/stats"
	"imsd/pkg/types"
)

// IndicationHandler receives unsolicited indications from a service.
type IndicationHandler func(hdr qmi.Header, data []byte)

// Client talks the request/response protocol to one baseband service.
type Client struct {
	service  qmi.Service
	endpoint *network.Endpoint
	tracker  *network.TransactionTracker
	stats    *stats.Collector
	timeout  time.Duration

	txn uint16
	mu  sync.Mutex

	onIndication IndicationHandler
}

// NewClient creates a client for service reachable through endpoint.
// timeout is the default per-request deadline.
func NewClient(service qmi.Service, endpoint *network.Endpoint, timeout time.Duration, collector *stats.Collector) *Client {
	if collector == nil {
		collector = stats.NewCollector()
	}
	return &Client{
		service:  service,
		endpoint: endpoint,
		tracker:  network.NewTransactionTracker(endpoint, timeout, 0),
		stats:    collector,
		timeout:  timeout,
	}
}

// DialUDP creates a client for an emulated baseband. Each service listens
// on its own port: the base port plus the service id.
func DialUDP(localAddr, basebandAddr string, service qmi.Service, timeout time.Duration, collector *stats.Collector) (*Client, error) {
	remote, err := ServiceAddress(basebandAddr, service)
	if err != nil {
		return nil, err
	}
	ep, err := network.NewUDPEndpoint(localAddr, remote)
	if err != nil {
		return nil, err
	}
	return NewClient(service, ep, timeout, collector), nil
}

// ServiceAddress derives the emulated address of service from the base address.
func ServiceAddress(basebandAddr string, service qmi.Service) (string, error) {
	host, portStr, err := net.SplitHostPort(basebandAddr)
	if err != nil {
		return "", fmt.Errorf("invalid baseband address %s: %w", basebandAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid baseband port %s: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+int(service))), nil
}

// DialQRTR looks the service up on the router and connects to the server
// on node.
func DialQRTR(ctx context.Context, node uint32, service qmi.Service, timeout time.Duration, collector *stats.Collector) (*Client, error) {
	conn, err := network.OpenQRTR()
	if err != nil {
		return nil, err
	}

	records, err := conn.Lookup(ctx, uint32(service))
	if err != nil && len(records) == 0 {
		conn.Close()
		return nil, fmt.Errorf("lookup %s: %w", service, err)
	}

	for _, rec := range records {
		if rec.Node != node {
			continue
		}
		log.WithFields(log.Fields{
			"service":  service.String(),
			"node":     rec.Node,
			"port":     rec.Port,
			"version":  rec.Version,
			"instance": rec.Instance,
		}).Info("Found baseband service")
		return NewClient(service, network.NewEndpoint(conn, rec.Addr()), timeout, collector), nil
	}

	conn.Close()
	return nil, fmt.Errorf("service %s not found on node %d", service, node)
}

// SetMaxRetries makes the client retransmit an unanswered request up to n
// times before failing it. Call before Start.
func (c *Client) SetMaxRetries(n int) {
	c.tracker = network.NewTransactionTracker(c.endpoint, c.timeout, n)
}

// OnIndication installs a handler for indications. Call before Start.
func (c *Client) OnIndication(h IndicationHandler) {
	c.onIndication = h
}

// Service returns the service this client talks to.
func (c *Client) Service() qmi.Service {
	return c.service
}

// Start launches the response dispatcher and the timeout monitor.
func (c *Client) Start(ctx context.Context) {
	rx := network.NewReceiver(c.endpoint.Conn(), c.service.String())
	rx.Start(ctx)
	c.tracker.StartTimeoutMonitor(ctx)
	go c.dispatch(rx.Messages())
}

func (c *Client) dispatch(msgs <-chan types.Datagram) {
	for dg := range msgs {
		hdr, err := qmi.DecodeHeader(dg.Data)
		if err != nil {
			log.WithError(err).WithField("service", c.service.String()).Debug("Dropping short packet")
			continue
		}
		switch hdr.Kind {
		case qmi.KindResponse:
			c.tracker.Resolve(hdr.TransactionID, dg.Data)
		case qmi.KindIndication:
			if c.onIndication != nil {
				c.onIndication(hdr, dg.Data)
				continue
			}
			log.WithFields(log.Fields{
				"service": c.service.String(),
				"msg_id":  fmt.Sprintf("0x%04x", hdr.MessageID),
			}).Debug("Ignoring indication")
		default:
			log.WithFields(log.Fields{
				"service": c.service.String(),
				"kind":    hdr.Kind.String(),
			}).Debug("Ignoring unexpected packet")
		}
	}
}

// nextTxn returns the next transaction id, never zero.
func (c *Client) nextTxn() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txn++
	if c.txn == 0 {
		c.txn = 1
	}
	return c.txn
}

// Request sends a request and waits for its response. build appends the
// request TLVs and may be nil. A response whose generic result reports
// failure is returned together with a qmi.ProtocolError.
func (c *Client) Request(ctx context.Context, msgID uint16, build func(*qmi.Builder), timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	txn := c.nextTxn()
	b := qmi.NewBuilder(qmi.KindRequest, txn, msgID)
	if build != nil {
		build(b)
	}
	data := b.Bytes()
	msgName := MessageName(c.service, msgID)

	resultCh := c.tracker.TrackWithTimeout(txn, data, timeout)
	c.stats.RecordSent(msgName)
	if err := c.endpoint.Send(data); err != nil {
		c.tracker.Cancel(txn)
		return nil, err
	}

	log.WithFields(log.Fields{
		"service": c.service.String(),
		"msg":     msgName,
		"txn_id":  txn,
	}).Debug("Sent baseband request")

	var res types.TransactionResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		c.tracker.Cancel(txn)
		return nil, ctx.Err()
	}

	if res.Error != nil {
		if errors.Is(res.Error, network.ErrTimeout) {
			c.stats.RecordTimeout(msgName)
		}
		return nil, fmt.Errorf("%s: %w", msgName, res.Error)
	}
	c.stats.RecordReceived(msgName)

	result, err := qmi.ParseGenericResult(res.Response)
	if err != nil {
		c.stats.RecordFailure(msgName)
		return res.Response, fmt.Errorf("%s: %w", msgName, err)
	}
	if !result.Success() {
		c.stats.RecordFailure(msgName)
		return res.Response, fmt.Errorf("%s: %w", msgName, result.Response)
	}

	c.stats.RecordSuccess(msgName, res.ResponseTime)
	return res.Response, nil
}

// Close fails outstanding requests and closes the socket.
func (c *Client) Close() error {
	c.tracker.CancelAll()
	return c.endpoint.Close()
}
