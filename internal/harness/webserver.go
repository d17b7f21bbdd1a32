package harness

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/10gen/mongo-harness/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"
)

// RequestInProgressErrorDescription is the error description for a
// request rejected because another operational request is running.
const RequestInProgressErrorDescription = "Another request is currently in progress"

// WebServer reports harness state over HTTP.
type WebServer struct {
	port               int
	api                StatusAPI
	logger             *logger.Logger
	srv                *http.Server
	operationalAPILock *semaphore.Weighted
}

// APIResponse is the schema for operational API responses.
type APIResponse struct {
	Success          bool             `json:"success"`
	Error            *string          `json:"error,omitempty"`
	ErrorDescription *string          `json:"errorDescription,omitempty"`
	Operation        *OperationStatus `json:"operation,omitempty"`
}

// NewWebServer creates a WebServer.
func NewWebServer(port int, api StatusAPI, logger *logger.Logger) *WebServer {
	return &WebServer{
		port:               port,
		api:                api,
		logger:             logger,
		operationalAPILock: semaphore.NewWeighted(1),
	}
}

func (server *WebServer) operationalAPILockMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !server.operationalAPILock.TryAcquire(1) {
			errorResponse(c, http.StatusConflict, "RequestInProgress", RequestInProgressErrorDescription)
			c.Abort()
			return
		}
		defer server.operationalAPILock.Release(1)
		c.Next()
	}
}

// A wrapper around gin.ResponseWriter with its own buffer.
// This lets us capture the response body and log it separately.
type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

// Write stores the provided bytes before calling (gin.ResponseWriter).Write.
func (rbw responseBodyWriter) Write(b []byte) (int, error) {
	rbw.body.Write(b)
	return rbw.ResponseWriter.Write(b)
}

// RequestAndResponseLogger is the middleware for logging the request and response.
func (server *WebServer) RequestAndResponseLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		t := time.Now()

		// A UUID to correlate each request with a response in the logs.
		traceID := uuid.New().String()

		var buf []byte
		if c.Request.Body != nil {
			// The request body can only be read once.
			buf, _ = io.ReadAll(c.Request.Body)
		}
		server.logger.Debug().Str("uri", c.Request.RequestURI).
			Str("method", c.Request.Method).
			Str("body", string(buf)).
			Str("clientIP", c.ClientIP()).
			Str("traceID", traceID).
			Msg("received request")

		c.Request.Body = io.NopCloser(bytes.NewBuffer(buf))

		c.Header("Trace-Id", traceID)

		rbw := &responseBodyWriter{ResponseWriter: c.Writer, body: bytes.NewBufferString("")}
		c.Writer = rbw

		c.Next()

		server.logger.Debug().Int("status", c.Writer.Status()).
			Int("bodyLen", rbw.body.Len()).
			Str("traceID", traceID).
			Str("latency", time.Since(t).String()).
			Msg("sent response")
	}
}

func (server *WebServer) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(server.RequestAndResponseLogger(), gin.Recovery())

	api := router.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/topologies", server.topologiesEndpoint)
			v1.GET("/operations", server.operationsEndpoint)
			v1.POST(
				"/operations/:id/cancel",
				server.operationalAPILockMiddleware(),
				server.cancelEndpoint,
			)
		}
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.HandleMethodNotAllowed = true

	return router
}

// Run serves until the context is canceled. This is a blocking call.
// It should only be called once during each WebServer's lifetime.
func (server *WebServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", "0.0.0.0:"+strconv.Itoa(server.port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", server.port)
	}

	server.srv = &http.Server{
		Handler: server.setupRouter(),
	}

	webServerCtx, shutDownWebServer := context.WithCancel(ctx)
	defer shutDownWebServer()

	server.logger.Info().
		Stringer("address", listener.Addr()).
		Msg("Running webserver.")

	serveErr := make(chan error, 1)

	go func() {
		// Serve always returns a non-nil error.
		err := server.srv.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			server.logger.Error().Err(err).Msg("Web server failed.")
			serveErr <- err
			shutDownWebServer()
		}
	}()

	<-webServerCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.srv.Shutdown(shutdownCtx); err != nil {
		server.logger.Error().Err(err).Msg("Web server forced to shutdown.")
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

func (server *WebServer) topologiesEndpoint(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"topologies": server.api.Topologies(),
	})
}

func (server *WebServer) operationsEndpoint(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"operations": server.api.Operations(),
	})
}

func (server *WebServer) cancelEndpoint(c *gin.Context) {
	id := c.Param("id")

	status, err := server.api.CancelOperation(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrUnknownOperation):
		errorResponse(c, http.StatusNotFound, "UnknownOperation", err.Error())
	case err != nil:
		server.logger.Warn().Err(err).Str("id", id).Msg("Failed to cancel operation.")
		errorResponse(c, http.StatusInternalServerError, "CancelFailed", err.Error())
	default:
		c.JSON(http.StatusOK, APIResponse{Success: true, Operation: &status})
	}
}

func errorResponse(c *gin.Context, status int, name, description string) {
	c.JSON(status, APIResponse{Error: &name, ErrorDescription: &description})
}
