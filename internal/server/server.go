// Package server exposes the LLM access layer over HTTP for operators and
// sibling services.
package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"archcanvas/llmservice/internal/app"
	"archcanvas/llmservice/internal/llm"
	"archcanvas/llmservice/internal/llmerr"
	"archcanvas/llmservice/internal/log"
)

const requestIDHeader = "X-Request-ID"

// requestID tags every request with an id, reusing the caller's when present.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// statusFor maps layer errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, llmerr.ErrConfig):
		return http.StatusServiceUnavailable
	case errors.Is(err, llmerr.ErrAuth), errors.Is(err, llmerr.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewRouter builds the HTTP routes backed by a.
func NewRouter(a *app.App) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestID())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "LLM service is running!",
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.Telemetry.Registry, promhttp.HandlerOpts{})))

	router.GET("/llm/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.Factory().Info())
	})

	router.GET("/embeddings/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.Embeddings().Stats())
	})

	router.POST("/cache/clear", func(c *gin.Context) {
		a.ClearCaches()
		c.JSON(http.StatusOK, gin.H{"message": "Caches cleared"})
	})

	// Endpoint to embed one or more texts
	router.POST("/embed", func(c *gin.Context) {
		var jsonBody struct {
			Text  string   `json:"text"`
			Texts []string `json:"texts"`
		}
		if err := c.ShouldBindJSON(&jsonBody); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		texts := jsonBody.Texts
		if jsonBody.Text != "" {
			texts = append([]string{jsonBody.Text}, texts...)
		}
		if len(texts) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "text or texts is required"})
			return
		}

		vecs, ok := a.Embeddings().EmbedDocuments(c.Request.Context(), texts)
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Embeddings are unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"embeddings": vecs,
			"dimension":  len(vecs[0]),
		})
	})

	// Endpoint to run a chat completion against the configured provider
	router.POST("/llm/complete", func(c *gin.Context) {
		var jsonBody struct {
			Messages []llm.Message `json:"messages" binding:"required"`
			Stream   bool          `json:"stream"`
			Refresh  bool          `json:"refresh"`
		}
		if err := c.ShouldBindJSON(&jsonBody); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		model, err := a.LLM(ctx, jsonBody.Refresh)
		if err != nil {
			log.ErrorLogger.Printf("Failed to get LLM client: %v", err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		if !jsonBody.Stream {
			reply, err := model.Complete(ctx, jsonBody.Messages)
			if err != nil {
				log.ErrorLogger.Printf("Failed to get completion: %v", err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to generate completion"})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"completion": reply,
				"provider":   model.Provider(),
				"model":      model.Model(),
			})
			return
		}

		chunks := make(chan string)
		errc := make(chan error, 1)
		go func() { errc <- model.Stream(ctx, jsonBody.Messages, chunks) }()

		c.Stream(func(w io.Writer) bool {
			chunk, ok := <-chunks
			if !ok {
				if err := <-errc; err != nil {
					log.ErrorLogger.Printf("Completion stream failed: %v", err)
					c.SSEvent("error", err.Error())
				}
				c.SSEvent("done", "")
				return false
			}
			c.SSEvent("chunk", chunk)
			return true
		})
	})

	return router
}
