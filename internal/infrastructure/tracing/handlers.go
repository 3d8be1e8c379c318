package tracing

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// TraceView is the wire shape of a trace on the query API. Duration is in
// microseconds.
type TraceView struct {
	TraceID     string        `json:"traceID"`
	ServiceName string        `json:"serviceName"`
	Duration    int64         `json:"duration"`
	Status      int           `json:"status"`
	Path        string        `json:"path"`
	Method      string        `json:"method"`
	Timestamp   string        `json:"ts"`
	Spans       []TrackedSpan `json:"spans"`
}

// View converts t for the query API
func View(t Trace) TraceView {
	spans := t.Spans
	if spans == nil {
		spans = []TrackedSpan{}
	}
	return TraceView{
		TraceID:     t.ID,
		ServiceName: t.ServiceName,
		Duration:    int64(t.DurationMs * 1000),
		Status:      t.Status,
		Path:        t.Path,
		Method:      t.Method,
		Timestamp:   t.Timestamp.Format(time.RFC3339Nano),
		Spans:       spans,
	}
}

// Handlers serves the trace query API
type Handlers struct {
	capture  *Capture
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers reading from capture
func NewHandlers(capture *Capture, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		capture: capture,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Register mounts the API under /traces
func (h *Handlers) Register(r gin.IRouter) {
	traces := r.Group("/traces")
	traces.GET("/recent", Gzip(gzip.DefaultCompression), h.Recent)
	traces.GET("/stats", Gzip(gzip.DefaultCompression), h.Stats)
	traces.GET("/stream", h.Stream)
}

// Recent handles GET /traces/recent?limit=&q=&service=
func (h *Handlers) Recent(c *gin.Context) {
	limit := DefaultQueryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	traces := h.capture.Query(Filter{
		Query:   c.Query("q"),
		Service: c.Query("service"),
		Limit:   limit,
	})

	views := make([]TraceView, len(traces))
	for i, t := range traces {
		views[i] = View(t)
	}
	c.JSON(http.StatusOK, gin.H{"traces": views})
}

// Stats handles GET /traces/stats?service=
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.capture.Stats(c.Query("service")))
}

// Stream handles GET /traces/stream, pushing every new trace over a websocket
func (h *Handlers) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	feed, cancel := h.capture.Subscribe(64)
	defer cancel()

	// the read loop only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case t, ok := <-feed:
			if !ok {
				return
			}
			if err := conn.WriteJSON(View(t)); err != nil {
				h.logger.Debug("trace stream closed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
