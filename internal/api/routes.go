package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/document"
	"github.com/cybertec-postgresql/books_bridge/internal/settings"
)

// MaxBodyBytes bounds request bodies
const MaxBodyBytes = 16 << 20

type masterSyncRequest struct {
	Instance string      `json:"instance" binding:"required"`
	Records  []MasterRef `json:"records"`
}

type transactionsRequest struct {
	Instance        string            `json:"instance" binding:"required"`
	TransactionType string            `json:"transaction_type" binding:"required"`
	Records         []document.Record `json:"records"`
}

type statusRequest struct {
	Instance string       `json:"instance" binding:"required"`
	Data     StatusUpdate `json:"data"`
}

type instanceRequest struct {
	Name string `json:"name" binding:"required"`
}

type instanceStateRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// NewRouter returns a gin engine serving s
func NewRouter(s *Service) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), bodyLimit(MaxBodyBytes))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.Routes(r.Group("/api"))
	return r
}

// Routes registers the operations on r
func (s *Service) Routes(r gin.IRouter) {
	r.GET("/settings", func(c *gin.Context) {
		respond(c, s.Settings(c.Request.Context()))
	})

	r.PUT("/settings", func(c *gin.Context) {
		var cfg settings.Settings
		if !bind(c, &cfg) {
			return
		}
		respond(c, s.UpdateSettings(c.Request.Context(), &cfg))
	})

	r.GET("/pending-docs", func(c *gin.Context) {
		respond(c, s.PendingDocs(c.Request.Context(), c.Query("instance")))
	})

	r.POST("/master-sync", func(c *gin.Context) {
		var req masterSyncRequest
		if !bind(c, &req) {
			return
		}
		respond(c, s.InitiateMasterSync(c.Request.Context(), req.Instance, req.Records))
	})

	r.POST("/transactions", func(c *gin.Context) {
		var req transactionsRequest
		if !bind(c, &req) {
			return
		}
		respond(c, s.SyncTransactions(c.Request.Context(), req.Instance, req.TransactionType, req.Records))
	})

	r.POST("/status", func(c *gin.Context) {
		var req statusRequest
		if !bind(c, &req) {
			return
		}
		respond(c, s.UpdateStatus(c.Request.Context(), req.Instance, req.Data))
	})

	r.POST("/instances", func(c *gin.Context) {
		var req instanceRequest
		if !bind(c, &req) {
			return
		}
		respond(c, s.RegisterInstance(c.Request.Context(), req.Name))
	})

	r.PATCH("/instances/:name", func(c *gin.Context) {
		var req instanceStateRequest
		if !bind(c, &req) {
			return
		}
		respond(c, s.SetInstanceEnabled(c.Request.Context(), c.Param("name"), *req.Enabled))
	})

	r.GET("/drain", func(c *gin.Context) {
		respond(c, s.DrainStatus(c.Request.Context()))
	})

	r.POST("/drain", func(c *gin.Context) {
		respond(c, s.StartDrain(c.Request.Context()))
	})

	r.GET("/errors", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		respond(c, s.ListErrors(c.Request.Context(), c.Query("instance"), limit))
	})

	r.POST("/errors/:id/retry", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, fail("Invalid error log id"))
			return
		}
		respond(c, s.RetryError(c.Request.Context(), id))
	})

	r.PUT("/documents", func(c *gin.Context) {
		var rec document.Record
		if !bind(c, &rec) {
			return
		}
		respond(c, s.SaveDocument(c.Request.Context(), rec))
	})

	r.POST("/documents/:doctype/:name/submit", func(c *gin.Context) {
		respond(c, s.SubmitDocument(c.Request.Context(), c.Param("doctype"), c.Param("name")))
	})

	r.POST("/documents/:doctype/:name/cancel", func(c *gin.Context) {
		respond(c, s.CancelDocument(c.Request.Context(), c.Param("doctype"), c.Param("name")))
	})
}

// bind decodes the JSON body into dst and answers a failure envelope when it is malformed
func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		logrus.WithError(err).WithField("path", c.FullPath()).Debug("Rejected malformed request")
		c.JSON(http.StatusBadRequest, fail("Malformed request body"))
		return false
	}
	return true
}

// respond writes env. Operation failures are reported in the envelope with status 200.
func respond(c *gin.Context, env Envelope) {
	c.JSON(http.StatusOK, env)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"component": "http",
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start),
		}).Debug("Handled request")
	}
}

func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, fail("Request body too large"))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
