// Package status exposes a loopback JSON progress/state API for one
// flashing run, polled by the companion monitor and any other local
// tooling that wants to watch a run without parsing the log file.
//
// Grounded on guiperry-HASHER/cmd/driver/hasher-host/main.go's
// runAPIServer: gin.SetMode(ReleaseMode), a plain gin.New()+Recovery()
// router, route handlers reading a mutex-guarded orchestrator snapshot,
// and an http.Server wired to signal-driven graceful shutdown — ported
// from that binary's /api/v1 inference routes to /state, /host and
// /log/tail for this domain.
package status

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remittor/sxflasher/internal/hostinfo"
	"github.com/remittor/sxflasher/internal/orchestrator"
)

// State is the snapshot served at GET /state.
type State struct {
	Phase      string    `json:"phase"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	Done       bool      `json:"done"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	DeviceVars orchestrator.DeviceVars `json:"device_vars"`
}

// Server serves a single run's state over loopback HTTP. Track is
// called from the goroutine draining the Orchestrator's Event channel;
// the HTTP handlers only ever read the mutex-guarded snapshot.
type Server struct {
	mu        sync.RWMutex
	state     State
	logTail   []string
	maxTail   int
	httpSrv   *http.Server
}

// NewServer builds a Server with an empty initial state.
func NewServer() *Server {
	return &Server{
		state:   State{StartedAt: time.Now(), UpdatedAt: time.Now()},
		maxTail: 200,
	}
}

// Track consumes one orchestrator.Event and updates the snapshot.
func (s *Server) Track(ev orchestrator.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Phase = ev.Phase
	s.state.Message = ev.Message
	s.state.UpdatedAt = time.Now()
	if ev.Err != nil {
		s.state.Error = ev.Err.Error()
	}
	if ev.Phase == orchestrator.PhaseDone {
		s.state.Done = true
	}

	line := fmt.Sprintf("[%s] %s: %s", s.state.UpdatedAt.Format(time.RFC3339), ev.Phase, ev.Message)
	if ev.Err != nil {
		line += ": " + ev.Err.Error()
	}
	s.logTail = append(s.logTail, line)
	if len(s.logTail) > s.maxTail {
		s.logTail = s.logTail[len(s.logTail)-s.maxTail:]
	}
}

// SetDeviceVars records the device variables read at connect time.
func (s *Server) SetDeviceVars(v orchestrator.DeviceVars) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.DeviceVars = v
}

func (s *Server) snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) tail(n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.logTail) {
		n = len(s.logTail)
	}
	out := make([]string, n)
	copy(out, s.logTail[len(s.logTail)-n:])
	return out
}

// Router builds the gin engine serving /state, /host and /log/tail.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.snapshot())
	})
	r.GET("/host", func(c *gin.Context) {
		sample, err := hostinfo.Now(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sample)
	})
	r.GET("/log/tail", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"lines": s.tail(100)})
	})
	return r
}

// ListenAndServe starts the HTTP server on addr and blocks until ctx
// is cancelled, then shuts down gracefully with a 5 second deadline.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
