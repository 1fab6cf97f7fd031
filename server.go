package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/press_backend/config"
	"bitbucket.org/mmdatafocus/press_backend/middlewares"
	"bitbucket.org/mmdatafocus/press_backend/models"
	"bitbucket.org/mmdatafocus/press_backend/models/reports"
	"bitbucket.org/mmdatafocus/press_backend/platform"
	"bitbucket.org/mmdatafocus/press_backend/utils"
	"bitbucket.org/mmdatafocus/press_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := models.Logout(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logged_out": ok})
	}
}

type batchIntakeRequest struct {
	Manuscripts []*models.NewManuscript `json:"manuscripts" binding:"required"`
}

type batchItemOutcome struct {
	Index int    `json:"index"`
	Id    int    `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// batchIntakeHandler stores each manuscript independently: a duplicate id or
// bad item is reported and skipped, the rest of the manifest still lands.
func batchIntakeHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req batchIntakeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "manuscripts array is required"})
			return
		}
		if len(req.Manuscripts) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "manuscripts array is empty"})
			return
		}

		created := 0
		outcomes := make([]batchItemOutcome, 0, len(req.Manuscripts))
		for i, input := range req.Manuscripts {
			m, err := models.CreateManuscript(c.Request.Context(), input)
			if err != nil {
				if !errors.Is(err, utils.ErrorDuplicateId) {
					config.LogError(logger, "server.go", "batchIntakeHandler", "create manuscript", input, err)
				}
				outcomes = append(outcomes, batchItemOutcome{Index: i, Error: err.Error()})
				continue
			}
			created++
			outcomes = append(outcomes, batchItemOutcome{Index: i, Id: m.ID})
		}
		status := http.StatusCreated
		if created == 0 {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"created": created,
			"skipped": len(req.Manuscripts) - created,
			"items":   outcomes,
		})
	}
}

func getManuscriptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid manuscript id"})
			return
		}
		m, err := models.GetManuscript(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func listManuscriptsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := models.ParseManuscriptState(c.DefaultQuery("state", string(models.ManuscriptStatePending)))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		results, err := models.ListManuscripts(c.Request.Context(), state)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"manuscripts": results})
	}
}

func retryManuscriptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid manuscript id"})
			return
		}
		m, err := models.RetryManuscript(c.Request.Context(), id)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

func removeManuscriptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid manuscript id"})
			return
		}
		if err := models.RemoveManuscript(c.Request.Context(), id); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": id})
	}
}

func uploadAttachmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid manuscript id"})
			return
		}
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer file.Close()

		attachment, err := models.CreateAttachment(c.Request.Context(), id, fileHeader.Filename, file)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, attachment)
	}
}

func deleteAttachmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attachment id"})
			return
		}
		attachment, err := models.DeleteAttachment(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, attachment)
	}
}

type createQueueRequest struct {
	ManuscriptIds []int      `json:"manuscript_ids"`
	AllPending    bool       `json:"all_pending"`
	AccountId     string     `json:"account_id"`
	ScheduleDate  *time.Time `json:"schedule_date"`
}

func createQueueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createQueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ids := req.ManuscriptIds
		if req.AllPending {
			pending, err := models.ListManuscripts(c.Request.Context(), models.ManuscriptStatePending)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			ids = ids[:0]
			for _, m := range pending {
				ids = append(ids, m.ID)
			}
		}

		ctx := c.Request.Context()
		if req.AccountId != "" {
			ctx = utils.SetAccountIdInContext(ctx, req.AccountId)
		}
		queue, err := models.CreateQueue(ctx, ids, utils.NilIfEmpty(req.AccountId), req.ScheduleDate)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, queue)
	}
}

func getQueueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		queue, err := models.GetQueue(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		remaining, err := models.ListQueueManuscripts(c.Request.Context(), queue.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"queue": queue, "remaining": remaining})
	}
}

func listQueuesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		queues, err := models.ListActiveQueues(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"queues": queues})
	}
}

type runQueueRequest struct {
	AccountId           string     `json:"account_id" binding:"required"`
	Credential          string     `json:"credential" binding:"required"`
	ScheduleDate        *time.Time `json:"schedule_date"`
	BaseHour            int        `json:"base_hour"`
	PostsPerDay         int        `json:"posts_per_day"`
	IntervalHours       int        `json:"interval_hours"`
	IntervalMinutes     int        `json:"interval_minutes"`
	PerItemDelaySeconds int        `json:"per_item_delay_seconds"`
	Async               bool       `json:"async"`
}

func runQueueHandler(logger *logrus.Logger, runner *workflow.PublishRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		queueId := c.Param("id")
		var req runQueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "account_id and credential are required"})
			return
		}

		queue, err := models.GetQueue(c.Request.Context(), queueId)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		scheduleDate := time.Now().UTC()
		if req.ScheduleDate != nil {
			scheduleDate = *req.ScheduleDate
		} else if queue.ScheduleDate != nil {
			scheduleDate = *queue.ScheduleDate
		}
		params := workflow.RunParams{
			ScheduleDate:    scheduleDate,
			BaseHour:        req.BaseHour,
			PostsPerDay:     req.PostsPerDay,
			IntervalHours:   req.IntervalHours,
			IntervalMinutes: req.IntervalMinutes,
			PerItemDelay:    time.Duration(req.PerItemDelaySeconds) * time.Second,
		}

		ctx := utils.SetAccountIdInContext(c.Request.Context(), req.AccountId)
		if req.Async {
			cid, _ := utils.GetCorrelationIdFromContext(ctx)
			bgCtx := utils.SetAccountIdInContext(context.Background(), req.AccountId)
			bgCtx = utils.SetCorrelationIdInContext(bgCtx, cid)
			go func() {
				if _, err := runner.Run(bgCtx, queueId, req.AccountId, req.Credential, params); err != nil {
					config.LogError(logger, "server.go", "runQueueHandler", "background run failed", queueId, err)
				}
			}()
			c.JSON(http.StatusAccepted, gin.H{"queue_id": queueId, "started": true, "correlation_id": cid})
			return
		}

		result, err := runner.Run(ctx, queueId, req.AccountId, req.Credential, params)
		if err != nil {
			var authErr *platform.AuthError
			switch {
			case errors.As(err, &authErr):
				status := http.StatusUnauthorized
				if authErr.Kind == platform.AuthErrorRateLimited {
					status = http.StatusTooManyRequests
				}
				c.JSON(status, gin.H{"error": authErr.Error(), "kind": authErr.Kind})
			case errors.Is(err, workflow.ErrRunAlreadyActive):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, utils.ErrorRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func stopQueueHandler(runner *workflow.PublishRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		queueId := c.Param("id")
		if !runner.Stop(queueId) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active run for queue"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"queue_id": queueId, "stopping": true})
	}
}

func dissolveQueueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		queueId := c.Param("id")
		if err := models.DissolveQueue(c.Request.Context(), queueId); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, utils.ErrorRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"queue_id": queueId, "dissolved": true})
	}
}

func queueReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		queueId := c.Param("id")
		if _, err := models.GetQueue(c.Request.Context(), queueId); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=publish-report.xlsx")
		if err := reports.WritePublishReport(c.Request.Context(), c.Writer, queueId); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := models.CountManuscriptsByState(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		queues, err := models.ListActiveQueues(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"manuscripts":   counts,
			"active_queues": len(queues),
		})
	}
}

func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, user)
	}
}

type outboxReplayRequest struct {
	RecordId int `json:"record_id"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "record_id is required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.PublishEventRecord{}).
			Where("id = ?", req.RecordId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Platform client is optional at startup: without it the run endpoints
	// report 503 instead of keeping the whole service down.
	var platformClient platform.Client
	if client, err := platform.NewHTTPClient(); err != nil {
		logger.WithFields(logrus.Fields{"field": "platform"}).Warn("platform client disabled: " + err.Error())
	} else {
		platformClient = client
	}
	limiter := platform.NewAttemptLimiter(
		utils.IntFromEnv("AUTH_ATTEMPT_LIMIT", 5),
		utils.DurationFromEnvSeconds("AUTH_ATTEMPT_WINDOW_SECONDS", time.Minute),
	)
	sessions := platform.NewSessionManager(platformClient, limiter, utils.DurationFromEnvSeconds("SESSION_TTL_SECONDS", 6*time.Hour))
	runner := workflow.NewPublishRunner(logger, sessions, platformClient)

	requirePlatform := func(c *gin.Context) {
		if platformClient == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "platform client is not configured"})
			return
		}
		c.Next()
	}

	r.POST("/api/login", loginHandler())

	api := r.Group("/api", middlewares.RequireSession())
	api.POST("/logout", logoutHandler())
	api.GET("/health", healthHandler())

	api.POST("/manuscripts/batch", batchIntakeHandler(logger))
	api.GET("/manuscripts", listManuscriptsHandler())
	api.GET("/manuscripts/:id", getManuscriptHandler())
	api.POST("/manuscripts/:id/retry", retryManuscriptHandler())
	api.POST("/manuscripts/:id/attachments", uploadAttachmentHandler())
	api.DELETE("/attachments/:id", deleteAttachmentHandler())

	api.POST("/queues", createQueueHandler())
	api.GET("/queues", listQueuesHandler())
	api.GET("/queues/:id", getQueueHandler())
	api.POST("/queues/:id/run", requirePlatform, runQueueHandler(logger, runner))
	api.POST("/queues/:id/stop", stopQueueHandler(runner))
	api.DELETE("/queues/:id", dissolveQueueHandler())
	api.GET("/queues/:id/report.xlsx", queueReportHandler())

	admin := api.Group("", middlewares.RequireAdmin())
	admin.DELETE("/manuscripts/:id", removeManuscriptHandler())
	admin.POST("/users", createUserHandler())

	// Ops tooling (admin only): replay outbox messages that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay", middlewares.RequireSession(), middlewares.RequireAdmin(), outboxReplayHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
