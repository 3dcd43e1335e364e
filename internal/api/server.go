// Package api serves a read-only HTTP view of the daemon: per-slot
// bring-up progress, DCM peers, service status queries, bring-up history
// and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"imsd/internal/dcm"
	"imsd/internal/services"
	"imsd/internal/wds"
	"imsd/pkg/types"
)

// BringupSource reports the WDS packet session of a slot.
type BringupSource interface {
	Session(slot uint32) (wds.PacketSession, bool)
	Running(slot uint32) bool
}

// DCMSource reports the DCM server state.
type DCMSource interface {
	Session(ctx context.Context, slot uint32) (dcm.PDPSession, error)
	Peers(ctx context.Context) ([]net.Addr, error)
}

// StatusSource reports the auxiliary service queries.
type StatusSource interface {
	Status(kind services.ServiceKind) (services.Status, bool)
}

// HistorySource reports stored bring-up events.
type HistorySource interface {
	Events(slot uint32) ([]types.BringupEvent, error)
}

// Options wires the data sources. Services, History, Gatherer and
// Registerer may be nil. Request metrics are recorded only with a Registerer.
type Options struct {
	Slots      int
	Version    string
	RunID      string
	Bringup    BringupSource
	DCM        DCMSource
	Services   StatusSource
	History    HistorySource
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
}

// Server is the HTTP status endpoint.
type Server struct {
	opts    Options
	router  *gin.Engine
	started time.Time
}

// SlotView is the JSON form of one slot.
type SlotView struct {
	Slot          uint32 `json:"slot"`
	Running       bool   `json:"running"`
	Step          string `json:"step"`
	LinkName      string `json:"link_name,omitempty"`
	MuxID         uint8  `json:"mux_id"`
	ProfileID     uint8  `json:"profile_id,omitempty"`
	Address       string `json:"address,omitempty"`
	Gateway       string `json:"gateway,omitempty"`
	MTU           uint32 `json:"mtu,omitempty"`
	PacketHandle  uint32 `json:"packet_handle,omitempty"`
	PDPEnabled    bool   `json:"pdp_enabled"`
	PDPID         uint8  `json:"pdp_id,omitempty"`
	SequenceID    uint32 `json:"sequence_id,omitempty"`
	Subscription  uint32 `json:"subscription_id,omitempty"`
	InstanceID    uint32 `json:"instance_id,omitempty"`
	BringupActive bool   `json:"bringup_started"`
}

// ServiceView is the JSON form of one service status query.
type ServiceView struct {
	Service  string    `json:"service"`
	Query    string    `json:"query"`
	Success  bool      `json:"success"`
	TLVCount int       `json:"tlv_count"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// NewServer builds the router.
func NewServer(opts Options) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	if opts.Registerer != nil {
		m, err := newRequestMetrics(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register request metrics: %w", err)
		}
		r.Use(m.middleware())
	}

	s := &Server{opts: opts, router: r, started: time.Now()}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.health)
	s.router.GET("/slots", s.listSlots)
	s.router.GET("/slots/:slot", s.getSlot)
	s.router.GET("/slots/:slot/history", s.slotHistory)
	s.router.GET("/peers", s.listPeers)
	s.router.GET("/services", s.listServices)

	gatherer := s.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).String(),
		"version": s.opts.Version,
		"run_id":  s.opts.RunID,
		"slots":   s.opts.Slots,
	})
}

func (s *Server) slotParam(c *gin.Context) (uint32, bool) {
	v, err := strconv.ParseUint(c.Param("slot"), 10, 32)
	if err != nil || int(v) >= s.opts.Slots {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown slot " + c.Param("slot")})
		return 0, false
	}
	return uint32(v), true
}

func (s *Server) slotView(ctx context.Context, slot uint32) (SlotView, error) {
	view := SlotView{Slot: slot, Step: "Idle", MuxID: wds.MuxIDForSlot(slot)}
	if s.opts.Bringup != nil {
		view.Running = s.opts.Bringup.Running(slot)
		if sess, ok := s.opts.Bringup.Session(slot); ok {
			view.BringupActive = true
			view.Step = sess.Step.String()
			view.LinkName = sess.LinkName
			view.MuxID = sess.MuxID
			view.ProfileID = sess.ProfileID
			view.Address = sess.Address
			view.MTU = sess.Settings.MTU
			view.PacketHandle = sess.PacketHandle
			if sess.Settings.Gateway != nil {
				view.Gateway = sess.Settings.Gateway.String()
			}
		}
	}
	if s.opts.DCM != nil {
		pdp, err := s.opts.DCM.Session(ctx, slot)
		if err != nil {
			return view, err
		}
		view.PDPEnabled = pdp.Enabled
		view.PDPID = pdp.InternalPDPID
		view.SequenceID = pdp.SequenceID
		view.Subscription = pdp.SubscriptionID
		view.InstanceID = pdp.InstanceID
	}
	return view, nil
}

func (s *Server) listSlots(c *gin.Context) {
	views := make([]SlotView, 0, s.opts.Slots)
	for slot := 0; slot < s.opts.Slots; slot++ {
		view, err := s.slotView(c.Request.Context(), uint32(slot))
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"slots": views})
}

func (s *Server) getSlot(c *gin.Context) {
	slot, ok := s.slotParam(c)
	if !ok {
		return
	}
	view, err := s.slotView(c.Request.Context(), slot)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) slotHistory(c *gin.Context) {
	slot, ok := s.slotParam(c)
	if !ok {
		return
	}
	if s.opts.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history store disabled"})
		return
	}
	events, err := s.opts.History.Events(slot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"slot": slot, "events": events})
}

func (s *Server) listPeers(c *gin.Context) {
	if s.opts.DCM == nil {
		c.JSON(http.StatusOK, gin.H{"peers": []string{}})
		return
	}
	peers, err := s.opts.DCM.Peers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	c.JSON(http.StatusOK, gin.H{"peers": out})
}

func (s *Server) listServices(c *gin.Context) {
	views := []ServiceView{}
	if s.opts.Services != nil {
		for _, kind := range services.AllKinds {
			st, ok := s.opts.Services.Status(kind)
			if !ok {
				continue
			}
			v := ServiceView{
				Service:  kind.String(),
				Query:    st.Query,
				Success:  st.Success,
				TLVCount: st.TLVCount,
				At:       st.At,
			}
			if st.Err != nil {
				v.Error = st.Err.Error()
			}
			views = append(views, v)
		}
	}
	c.JSON(http.StatusOK, gin.H{"services": views})
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("listen", addr).Info("Status API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
