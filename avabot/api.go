package avabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const xRequestIDHeader = "X-Request-ID"

// API is a small status/introspection server. It exposes the current
// knowledge base, the waitlist, and a health endpoint, and can trigger
// a vector store sync on demand.
type API struct {
	config    *APIConfig
	db        DBI
	knowledge *KnowledgeStore
	sync      *VectorStoreSync
	logger    *slog.Logger
	server    *http.Server
	listener  net.Listener
}

func newAPI(
	config *APIConfig,
	db DBI,
	knowledge *KnowledgeStore,
	sync *VectorStoreSync,
	logger *slog.Logger,
) *API {
	api := &API{
		config:    config,
		db:        db,
		knowledge: knowledge,
		sync:      sync,
		logger:    logger.With(loggerNameKey, "api"),
	}
	api.server = &http.Server{
		Handler:           api.router(),
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return api
}

func (a *API) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(a.requestIDMiddleware())
	router.Use(a.loggingMiddleware())

	corsConfig := a.config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", a.getHealth)

	api := router.Group("/api")
	api.GET("/faq", a.getFAQ)
	api.GET("/faq/lookup", a.getFAQLookup)
	api.GET("/waitlist", a.getWaitlist)
	api.POST("/sync", a.postSync)

	return router
}

// requestIDMiddleware assigns a UUID to each request, honoring an
// inbound X-Request-ID header when present.
func (a *API) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(xRequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(xRequestIDHeader, requestID)
		c.Next()
	}
}

func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func (a *API) getHealth(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":          "ok",
			"knowledge_count": a.knowledge.Len(),
		},
	)
}

func (a *API) getFAQ(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"faq": a.knowledge.Entries()})
}

func (a *API) getFAQLookup(c *gin.Context) {
	question := c.Query("question")
	if question == "" {
		c.JSON(
			http.StatusBadRequest,
			gin.H{"error": "missing 'question' query parameter"},
		)
		return
	}
	answer, found := a.knowledge.Lookup(question)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "question not found"})
		return
	}
	c.JSON(http.StatusOK, QAEntry{Question: question, Answer: answer})
}

func (a *API) getWaitlist(c *gin.Context) {
	var entries []WaitlistEntry
	rv := a.db.DB().WithContext(c.Request.Context()).Order(
		"created_at",
	).Find(&entries)
	if rv.Error != nil {
		a.logger.Error("error loading waitlist", tint.Err(rv.Error))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error loading waitlist"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"waitlist": entries})
}

func (a *API) postSync(c *gin.Context) {
	if a.sync == nil {
		c.JSON(
			http.StatusServiceUnavailable,
			gin.H{"error": "vector store sync unavailable"},
		)
		return
	}
	if err := a.sync.Sync(c.Request.Context()); err != nil {
		a.logger.Error("error syncing vector store", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

// Serve listens on the configured address and serves until ctx is
// canceled, then shuts the server down gracefully.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = listener
	a.logger.Info("api server listening", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		if shutdownErr := a.server.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Warn("error shutting down api server", tint.Err(shutdownErr))
		}
		return nil
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
