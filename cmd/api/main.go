package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/broadcast"
	"rollcall/internal/config"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/metrics"
	"rollcall/internal/report"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// bus is the subscriber-facing side of the broadcaster; both the in-process
// hub and the redis-backed bridge satisfy it.
type bus interface {
	Publish(eventID string, agg attendance.Aggregate)
	Subscribe(eventID string, buffer int) *broadcast.Subscriber
	Unsubscribe(eventID string, sub *broadcast.Subscriber)
}

// meteredBus counts publishes on the way through.
type meteredBus struct {
	bus
}

func (m meteredBus) Publish(eventID string, agg attendance.Aggregate) {
	metrics.Broadcasts.Inc()
	m.bus.Publish(eventID, agg)
}

func runHTTP(cfg config.App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	hub := broadcast.NewHub()
	var b bus = hub
	if cfg.BroadcastRedis {
		rb := broadcast.NewRedisBus(hub, redisClient.Client)
		go rb.Run(ctx)
		b = rb
	}
	b = meteredBus{b}

	repo := attendance.NewRepository(db.Client)
	svc := attendance.NewService(repo, repo, repo, b)

	admins := auth.NewAdminStore(db.Client)
	if err := admins.EnsureSuper(ctx, cfg.SuperAdminUser, cfg.SuperAdminPass); err != nil {
		return fmt.Errorf("bootstrap super admin: %w", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(redisClient.Client, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		admin, err := admins.Authenticate(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		if admin == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		tokens, err := auth.Issue(admin.Username, admin.Super, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"super":         admin.Super,
		})
	})

	authGroup := r.Group("/v1", auth.AdminAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/checkins", func(c *gin.Context) {
		var req struct {
			EventID string `json:"event_id" binding:"required"`
			Roll    string `json:"roll_number" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			metrics.CheckIns.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := svc.CheckIn(c.Request.Context(), req.EventID, req.Roll)
		if err != nil {
			switch {
			case errors.Is(err, attendance.ErrDuplicate):
				metrics.CheckIns.WithLabelValues("duplicate").Inc()
				c.JSON(http.StatusConflict, gin.H{"error": "duplicate attendance", "already_marked": true})
			case errors.Is(err, attendance.ErrStudentNotFound):
				metrics.CheckIns.WithLabelValues("not_found").Inc()
				c.JSON(http.StatusNotFound, gin.H{"status": "NOT_FOUND", "roll_number": req.Roll})
			case errors.Is(err, attendance.ErrValidation):
				metrics.CheckIns.WithLabelValues("invalid").Inc()
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				metrics.CheckIns.WithLabelValues("error").Inc()
				log.Printf("check-in failed: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record attendance"})
			}
			return
		}

		metrics.CheckIns.WithLabelValues("success").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "SUCCESS", "name": res.Name, "branch": res.Branch})
	})

	authGroup.POST("/students", func(c *gin.Context) {
		var req struct {
			EventID string `json:"event_id" binding:"required"`
			Roll    string `json:"roll_number" binding:"required"`
			Name    string `json:"name" binding:"required"`
			Branch  string `json:"branch"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := svc.RegisterStudent(c.Request.Context(), req.EventID, req.Roll, req.Name, req.Branch)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "SUCCESS", "name": res.Name, "branch": res.Branch})
	})

	authGroup.DELETE("/events/:id/students/:roll", func(c *gin.Context) {
		removed, err := svc.RemoveStudent(c.Request.Context(), c.Param("id"), c.Param("roll"))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		if !removed {
			c.JSON(http.StatusNotFound, gin.H{"status": "NOT_FOUND"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "SUCCESS"})
	})

	authGroup.GET("/attendees", func(c *gin.Context) {
		eventID := c.Query("event_id")
		if eventID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event_id required"})
			return
		}
		attendees, err := svc.ListAttendees(c.Request.Context(), eventID, c.Query("branch"))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, attendees)
	})

	authGroup.GET("/stats", func(c *gin.Context) {
		eventID := c.Query("event_id")
		if eventID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event_id required"})
			return
		}
		agg, err := svc.Aggregate(c.Request.Context(), eventID)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, agg)
	})

	authGroup.GET("/events", func(c *gin.Context) {
		events, err := svc.ListEvents(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	// Live aggregate stream for dashboards. Every count-affecting mutation
	// publishes a snapshot to the event's group; one is sent up front so a
	// fresh dashboard renders without waiting for the next check-in.
	authGroup.GET("/events/:id/stream", func(c *gin.Context) {
		eventID := c.Param("id")
		agg, err := svc.Aggregate(c.Request.Context(), eventID)
		if err != nil {
			writeServiceError(c, err)
			return
		}

		sub := b.Subscribe(eventID, 16)
		defer b.Unsubscribe(eventID, sub)
		metrics.Subscribers.Inc()
		defer metrics.Subscribers.Dec()

		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.SSEvent("update_counts", agg)
		c.Writer.Flush()

		c.Stream(func(w io.Writer) bool {
			select {
			case snapshot, ok := <-sub.C():
				if !ok {
					return false
				}
				c.SSEvent("update_counts", snapshot)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	})

	super := authGroup.Group("", auth.SuperOnly())

	super.POST("/events", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event name required"})
			return
		}
		evt, err := svc.CreateEvent(c.Request.Context(), req.Name)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"status": "SUCCESS", "event_id": evt.ID})
	})

	super.DELETE("/events/:id", func(c *gin.Context) {
		rep, err := svc.DeleteEvent(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, attendance.ErrEventNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
				return
			}
			// Some cascade steps may have committed; the report says which.
			log.Printf("event delete incomplete: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "deletion incomplete", "report": rep})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "SUCCESS", "report": rep})
	})

	super.POST("/events/:id/roster", func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()
		name := strings.ToLower(header.Filename)
		if !strings.HasSuffix(name, ".xlsx") && !strings.HasSuffix(name, ".xls") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file format"})
			return
		}

		rows, err := report.ParseRoster(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sum, err := svc.BulkImport(c.Request.Context(), c.Param("id"), rows)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		metrics.Imports.Add(float64(sum.Inserted))

		msg := fmt.Sprintf("Successfully registered %d students.", sum.Inserted)
		if sum.SkippedInBatch > 0 {
			msg += fmt.Sprintf(" (%d duplicate roll numbers ignored in sheet)", sum.SkippedInBatch)
		}
		c.JSON(http.StatusOK, gin.H{"status": "SUCCESS", "count": sum.Inserted, "duplicates_skipped": sum.SkippedInBatch, "message": msg})
	})

	super.GET("/events/:id/export", func(c *gin.Context) {
		eventID := c.Param("id")
		evt, err := repo.GetEvent(c.Request.Context(), eventID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if evt == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		records, err := repo.ListRecords(c.Request.Context(), eventID, "")
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		filename := fmt.Sprintf("Attendance_%s.xlsx", time.Now().Format("2006-01-02"))
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		if err := report.WriteAttendees(c.Writer, records); err != nil {
			log.Printf("export failed for event %s: %v", eventID, err)
		}
	})

	super.GET("/admins", func(c *gin.Context) {
		list, err := admins.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
	})

	super.POST("/admins", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
			return
		}
		if err := admins.Create(c.Request.Context(), req.Username, req.Password, false); err != nil {
			if errors.Is(err, auth.ErrAdminExists) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "username already exists"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"status": "SUCCESS"})
	})

	super.DELETE("/admins/:username", func(c *gin.Context) {
		claimsAny, _ := c.Get("claims")
		if claims, ok := claimsAny.(auth.Claims); ok && claims.Username == c.Param("username") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "you cannot delete yourself"})
			return
		}
		removed, err := admins.Delete(c.Request.Context(), c.Param("username"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !removed {
			c.JSON(http.StatusNotFound, gin.H{"error": "admin not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "SUCCESS"})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// writeServiceError maps the service's rejection taxonomy onto HTTP statuses.
// Anything unrecognized is a storage failure the caller may retry.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrEventNotFound), errors.Is(err, attendance.ErrStudentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "already_marked": true})
	default:
		log.Printf("request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
