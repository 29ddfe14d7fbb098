package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/thesikpan/billing_backend/config"
	"github.com/thesikpan/billing_backend/models"
	"github.com/thesikpan/billing_backend/models/reports"
	"github.com/thesikpan/billing_backend/nicepay"
	"github.com/thesikpan/billing_backend/utils"
	"github.com/thesikpan/billing_backend/workflow"
	"gorm.io/gorm"
)

const defaultPort = "8080"

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// actorMiddleware trusts the upstream gateway's identity headers and loads
// them into the request context. Requests without an actor only reach the
// public endpoints.
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.GetHeader("x-actor-id"); v != "" {
			if actorId, err := strconv.Atoi(v); err == nil && actorId > 0 {
				ctx := utils.SetActorIdInContext(c.Request.Context(), actorId)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

func requireActor(c *gin.Context) (int, bool) {
	actorId, ok := utils.GetActorIdFromContext(c.Request.Context())
	if !ok || actorId <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "actor identity required"})
		return 0, false
	}
	return actorId, true
}

// authorizeCenter checks the actor's center subtree covers centerId and
// returns the subtree ids for query scoping.
func authorizeCenter(c *gin.Context, db *gorm.DB, centerId int) ([]int, bool) {
	actorId, ok := requireActor(c)
	if !ok {
		return nil, false
	}
	allowed, err := models.CanAccess(db, actorId, centerId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "center out of scope"})
		return nil, false
	}
	subtree, err := models.SubtreeCenterIDs(db, centerId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return subtree, true
}

func parseMonthParam(c *gin.Context) (time.Time, bool) {
	raw := c.Query("month")
	if raw == "" {
		return utils.MonthOf(time.Now().UTC()), true
	}
	t, err := time.Parse("2006-01", raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "month must be YYYY-MM"})
		return time.Time{}, false
	}
	return utils.MonthOf(t), true
}

func settlementReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB()
		centerId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid center id"})
			return
		}
		subtree, ok := authorizeCenter(c, db, centerId)
		if !ok {
			return
		}
		month, ok := parseMonthParam(c)
		if !ok {
			return
		}

		records, err := reports.GetSettlementSummaryReport(c.Request.Context(), subtree, month)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if c.Query("format") == "xlsx" {
			if err := reports.ExportSettlementSummaryXlsx(c.Writer, records, month); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"month": month.Format("2006-01"), "settlements": records})
	}
}

func unpaidReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB()
		centerId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid center id"})
			return
		}
		subtree, ok := authorizeCenter(c, db, centerId)
		if !ok {
			return
		}

		records, err := reports.GetUnpaidBalanceReport(c.Request.Context(), subtree)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if c.Query("format") == "xlsx" {
			if err := reports.ExportUnpaidBalanceXlsx(c.Writer, records); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"unpaid": records})
	}
}

func registerPayerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		var input models.NewPayer
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		payer, err := workflow.RegisterPayer(c.Request.Context(), config.GetDB(), config.GetLogger(), &input)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, payer)
	}
}

func payerTransitionHandler(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		payerId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payer id"})
			return
		}
		db := config.GetDB()
		logger := config.GetLogger()
		ctx := c.Request.Context()

		switch action {
		case "activate":
			err = workflow.ActivatePayer(ctx, db, logger, payerId)
		case "pause":
			err = workflow.PausePayer(ctx, db, logger, payerId)
		case "cancel":
			err = workflow.CancelPayer(ctx, db, logger, payerId)
		}
		if err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, gorm.ErrRecordNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func refundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		transactionId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
			return
		}
		var body struct {
			Amount decimal.Decimal `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		if err := workflow.RefundTransaction(c.Request.Context(), config.GetDB(), config.GetLogger(), transactionId, body.Amount); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func unpaidPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		recordId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
			return
		}
		var body struct {
			Amount decimal.Decimal `json:"amount" binding:"required"`
			Date   string          `json:"date"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		date := time.Now().UTC()
		if body.Date != "" {
			date, err = time.Parse("2006-01-02", body.Date)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
		}
		record, err := workflow.ApplyUnpaidPayment(c.Request.Context(), config.GetDB(), config.GetLogger(), recordId, body.Amount, date)
		if err != nil {
			status := http.StatusUnprocessableEntity
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				status = http.StatusNotFound
			case errors.Is(err, utils.ErrOverpayment), errors.Is(err, utils.ErrInvalidAmount), errors.Is(err, utils.ErrRecordClosed):
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func unpaidExemptHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		recordId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
			return
		}
		var body struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		record, err := workflow.ExemptUnpaid(c.Request.Context(), config.GetDB(), config.GetLogger(), recordId, body.Reason)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

func settlementCompleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		settlementId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settlement id"})
			return
		}
		err = workflow.CompletePeriod(c.Request.Context(), config.GetDB(), config.GetLogger(), settlementId)
		if err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, utils.ErrIncompletePeriod) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func settlementAdjustHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireActor(c); !ok {
			return
		}
		settlementId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settlement id"})
			return
		}
		var body struct {
			Delta  decimal.Decimal `json:"delta" binding:"required"`
			Reason string          `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}
		if err := workflow.AdjustSettlement(c.Request.Context(), config.GetDB(), config.GetLogger(), settlementId, body.Delta, body.Reason); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func evidenceUploadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorId, ok := requireActor(c)
		if !ok {
			return
		}
		payerId, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payer id"})
			return
		}
		var body struct {
			EvidenceType string `json:"evidence_type" binding:"required"`
			FileName     string `json:"file_name" binding:"required"`
			ContentType  string `json:"content_type" binding:"required"`
			Data         string `json:"data" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": utils.ProcessValidationErrors(err)})
			return
		}

		objectName := fmt.Sprintf("evidence/%d/%s-%s", payerId, uuid.NewString(), body.FileName)
		if err := utils.SaveEvidenceToGCS(c.Request.Context(), objectName, body.ContentType, body.Data); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		file := models.EvidenceFile{
			PayerId:      payerId,
			EvidenceType: body.EvidenceType,
			FileName:     body.FileName,
			ObjectName:   objectName,
			ContentType:  body.ContentType,
			UploadedBy:   actorId,
		}
		if err := config.GetDB().Create(&file).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		url, err := utils.SignedEvidenceURL(c.Request.Context(), objectName, 15*time.Minute)
		if err != nil {
			// The row is saved; a signing failure should not fail the upload.
			config.LogError(config.GetLogger(), "server.go", "evidenceUploadHandler", "SignedEvidenceURL", objectName, err)
			url = ""
		}
		c.JSON(http.StatusCreated, gin.H{"id": file.ID, "object_name": objectName, "url": url})
	}
}

func billingRunHandler(processor nicepay.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Date string `json:"date"`
		}
		_ = c.ShouldBindJSON(&body)
		asOf := time.Now().UTC()
		if body.Date != "" {
			var err error
			asOf, err = time.Parse("2006-01-02", body.Date)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
		}
		result, err := workflow.RunBillingDay(c.Request.Context(), config.GetDB(), config.GetLogger(), processor, asOf)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func retrySweepHandler(processor nicepay.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		month, ok := parseMonthParam(c)
		if !ok {
			return
		}
		result, err := workflow.RetryFailedTransactions(c.Request.Context(), config.GetDB(), config.GetLogger(), processor, month)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func reconcileHandler(processor nicepay.Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		maxPolls, _ := strconv.Atoi(c.DefaultQuery("max_polls", "5"))
		batch, _ := strconv.Atoi(c.DefaultQuery("batch", "50"))
		if err := workflow.ReconcileTimeouts(c.Request.Context(), config.GetDB(), config.GetLogger(), processor, maxPolls, batch); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// customErrorLogger logs only requests that accumulated gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
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

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so the startup probe passes. Until DB/Redis
	// are ready, app endpoints answer 503.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsConfig := cors.DefaultConfig()
	// In production require an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-actor-id", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(actorMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	processor, err := nicepay.NewClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "nicepay"}).Panic(err.Error())
	}

	r.GET("/centers/:id/settlements", settlementReportHandler())
	r.GET("/centers/:id/unpaid", unpaidReportHandler())

	r.POST("/payers", registerPayerHandler())
	r.POST("/payers/:id/activate", payerTransitionHandler("activate"))
	r.POST("/payers/:id/pause", payerTransitionHandler("pause"))
	r.POST("/payers/:id/cancel", payerTransitionHandler("cancel"))
	r.POST("/payers/:id/evidence", evidenceUploadHandler())

	r.POST("/transactions/:id/refund", refundHandler())
	r.POST("/unpaid/:id/payments", unpaidPaymentHandler())
	r.POST("/unpaid/:id/exempt", unpaidExemptHandler())
	r.POST("/settlements/:id/complete", settlementCompleteHandler())
	r.POST("/settlements/:id/adjust", settlementAdjustHandler())

	// Ops tooling: normally driven by Cloud Scheduler, callable by hand too.
	r.POST("/internal/ops/billing-run", billingRunHandler(processor))
	r.POST("/internal/ops/retry-sweep", retrySweepHandler(processor))
	r.POST("/internal/ops/reconcile-timeouts", reconcileHandler(processor))

	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedis()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running migrations as
	// a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers before draining so they don't pick up new work.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
