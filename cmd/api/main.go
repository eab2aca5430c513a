package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"messattend/internal/auth"
	"messattend/internal/biometric"
	"messattend/internal/config"
	"messattend/internal/directory"
	"messattend/internal/entitlement"
	"messattend/internal/httpmiddleware"
	"messattend/internal/ledger"
	"messattend/internal/model"
	"messattend/internal/qrtoken"
	"messattend/internal/queue"
	"messattend/internal/store"
	"messattend/internal/verify"
)

// directoryStore is what the API needs from either directory backend.
type directoryStore interface {
	verify.UserSource
	verify.MessSource
	entitlement.SubscriptionSource
	entitlement.ConfirmationSource
	RegisterStation(ctx context.Context, stationID string) error
	SaveRefreshToken(ctx context.Context, stationID, token string, expiresAt time.Time) error
}

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	redisClient := store.NewRedis(cfg.RedisAddr)
	ephemeral := redisClient.Ephemeral()

	var (
		dir   directoryStore
		book  ledger.Ledger
		creds biometric.CredentialStore
	)
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		if cfg.Env == "production" || cfg.Env == "prod" {
			return err
		}
		// Dev fallback: run against in-memory backends so the API comes up
		// without a database. Nothing persists.
		log.Printf("warning: db not reachable, using in-memory backends: %v", err)
		_ = db.Close()
		db = nil
		mem := directory.NewMemory()
		dir = mem
		book = ledger.NewMemory(mem)
		creds = biometric.NewMemoryStore()
	} else {
		defer func() { _ = db.Close() }()
		pgDir := directory.NewRepo(db.Client)
		dir = pgDir
		book = ledger.NewRepo(db.Client)
		creds = biometric.NewRepo(db.Client)
	}

	var alerts queue.Queue
	if cfg.QueueBackend == "memory" {
		alerts = queue.NewInMemory(64)
	} else {
		alerts = queue.NewRedisQueue(redisClient.Client, "messattend:alerts")
	}

	qr := qrtoken.NewService(cfg.QRSigningKey, ephemeral, cfg.QRTokenTTL, cfg.ScanCooldown, cfg.JWTIssuer)
	bio := biometric.NewService(creds, ephemeral, cfg.EnrollChallengeTTL, cfg.VerifyChallengeTTL)
	gate := entitlement.NewGate(dir, dir)
	svc := verify.NewService(dir, dir, gate, qr, bio, book, alerts)

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/stations/register", func(c *gin.Context) {
		var req struct {
			StationID string `json:"station_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := dir.RegisterStation(c.Request.Context(), req.StationID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tokens, err := auth.Issue(req.StationID, "station", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		_ = dir.SaveRefreshToken(c.Request.Context(), req.StationID, tokens.RefreshToken, tokens.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.StationAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/qr/tokens", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			MessID string `json:"mess_id"`
			Meal   string `json:"meal"`
			Day    string `json:"day"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		token, expiresAt, err := svc.IssueQRToken(c.Request.Context(), req.UserID, req.MessID, model.Meal(req.Meal), req.Day)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"success":    true,
			"token":      token,
			"expires_at": expiresAt.Unix(),
		})
	})

	authGroup.POST("/checkins/qr", func(c *gin.Context) {
		var req struct {
			Token  string   `json:"token" binding:"required"`
			UserID string   `json:"user_id" binding:"required"`
			Lat    *float64 `json:"lat"`
			Lng    *float64 `json:"lng"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		rec, err := svc.CheckInQR(c.Request.Context(), req.Token, req.UserID, point(req.Lat, req.Lng))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "record": rec})
	})

	authGroup.POST("/biometric/enrollment/options", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		opts, err := svc.BeginEnrollment(c.Request.Context(), req.UserID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "options": opts})
	})

	authGroup.POST("/biometric/enrollment/complete", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			biometric.EnrollmentResponse
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		cred, err := svc.FinishEnrollment(c.Request.Context(), req.UserID, req.EnrollmentResponse)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "credential": cred})
	})

	authGroup.DELETE("/biometric/enrollment", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		if err := svc.CancelEnrollment(c.Request.Context(), req.UserID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	authGroup.POST("/biometric/assertion/options", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		opts, err := svc.BeginVerification(c.Request.Context(), req.UserID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "options": opts})
	})

	authGroup.POST("/checkins/biometric", func(c *gin.Context) {
		var req struct {
			UserID string   `json:"user_id" binding:"required"`
			Lat    *float64 `json:"lat"`
			Lng    *float64 `json:"lng"`
			biometric.AssertionResponse
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		rec, err := svc.CheckInBiometric(c.Request.Context(), req.UserID, req.AssertionResponse, point(req.Lat, req.Lng))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "record": rec})
	})

	authGroup.POST("/biometric/revoke", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		if err := svc.RevokeCredential(c.Request.Context(), req.UserID, req.Reason); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	authGroup.GET("/attendance", func(c *gin.Context) {
		f := ledger.Filter{
			UserID: c.Query("user_id"),
			MessID: c.Query("mess_id"),
			Day:    c.Query("day"),
			Limit:  50,
		}
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Offset = parsed
			}
		}
		records, err := svc.ListAttendance(c.Request.Context(), f)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "records": records})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func point(lat, lng *float64) *model.Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &model.Point{Lat: *lat, Lng: *lng}
}

// statusFor maps error codes to HTTP statuses per the error taxonomy:
// concurrency outcomes are 200 (intent already satisfied), entitlement
// reasons are 403 verbatim, integrity failures are 401 with a generic
// message, and anything untyped is a 503.
var statusFor = map[string]int{
	model.ErrInvalidRequest.Code:       http.StatusBadRequest,
	model.ErrNoMealService.Code:        http.StatusConflict,
	model.ErrNoActiveSubscription.Code: http.StatusForbidden,
	model.ErrMealNotIncluded.Code:      http.StatusForbidden,
	model.ErrConfirmationRequired.Code: http.StatusForbidden,
	model.ErrNotEnrolled.Code:          http.StatusForbidden,
	model.ErrBadSignature.Code:         http.StatusUnauthorized,
	model.ErrExpired.Code:              http.StatusUnauthorized,
	model.ErrSubjectMismatch.Code:      http.StatusUnauthorized,
	model.ErrTokenNotFound.Code:        http.StatusUnauthorized,
	model.ErrChallengeExpired.Code:     http.StatusUnauthorized,
	model.ErrCredentialMismatch.Code:   http.StatusUnauthorized,
	model.ErrAlreadyUsed.Code:          http.StatusOK,
	model.ErrDuplicateAttendance.Code:  http.StatusOK,
	model.ErrRapidRescan.Code:          http.StatusTooManyRequests,
	model.ErrAlreadyEnrolled.Code:      http.StatusConflict,
	model.ErrCredentialReused.Code:     http.StatusConflict,
	model.ErrOutsideGeofence.Code:      http.StatusForbidden,
	model.ErrLocationRequired.Code:     http.StatusBadRequest,
}

func respondError(c *gin.Context, err error) {
	var me *model.Error
	if !errors.As(err, &me) {
		log.Printf("unexpected failure on %s: %v", c.FullPath(), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"code":    model.ErrUnavailable.Code,
			"message": model.ErrUnavailable.Message,
		})
		return
	}

	status, ok := statusFor[me.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusUnauthorized {
		// Integrity failures show a generic message; the detail stays in
		// the server log.
		log.Printf("integrity failure on %s: %v", c.FullPath(), err)
	}

	body := gin.H{"success": false, "code": me.Code, "message": me.Message}
	if status == http.StatusOK {
		body["already_recorded"] = true
	}
	c.JSON(status, body)
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
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
