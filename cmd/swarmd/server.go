package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hivegrid/hivegrid/distributor"
	"github.com/hivegrid/hivegrid/models"
	"github.com/hivegrid/hivegrid/ratelimit"
	"github.com/hivegrid/hivegrid/store"
	"github.com/hivegrid/hivegrid/warmup"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
)

type Server struct {
	echo        *echo.Echo
	httpd       *http.Server
	logger      *slog.Logger
	store       store.Store
	limiter     *ratelimit.Limiter
	warmup      *warmup.Engine
	distributor *distributor.Engine
}

type Config struct {
	Bind        string
	Store       store.Store
	Limiter     *ratelimit.Limiter
	Warmup      *warmup.Engine
	Distributor *distributor.Engine
	Logger      *slog.Logger
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	e := echo.New()

	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		echo:        e,
		logger:      logger,
		store:       config.Store,
		limiter:     config.Limiter,
		warmup:      config.Warmup,
		distributor: config.Distributor,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)

	e.POST("/accounts/:id/warmup", srv.HandleStartWarmup)
	e.GET("/accounts/:id/warmup", srv.HandleWarmupProgress)
	e.POST("/accounts/:id/warmup/pause", srv.HandlePauseWarmup)
	e.POST("/accounts/:id/warmup/resume", srv.HandleResumeWarmup)
	e.POST("/accounts/:id/warmup/skip", srv.HandleSkipWarmup)
	e.POST("/warmup/tasks/:id", srv.HandleMarkTask)
	e.GET("/accounts/:id/quota", srv.HandleQuota)

	e.POST("/distributions", srv.HandleDistribute)
	e.GET("/distributions/:id", srv.HandleDistributionStatus)
	e.DELETE("/distributions/:id", srv.HandleCancelDistribution)
	e.POST("/distributions/:id/results", srv.HandleRecordOutcome)

	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) RunAPI(ctx context.Context) error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-exitSignals:
			srv.logger.Info("received OS exit signal", "signal", sig)
		case <-ctx.Done():
		}
		if err := srv.Shutdown(); err != nil {
			srv.logger.Error("HTTP server shutdown error", "err", err)
		}
		close(quit)
	}()
	<-quit
	srv.logger.Info("graceful shutdown complete")
	return nil
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

// errorHandler maps expected business conditions to HTTP statuses; anything
// unrecognized is a 500.
func (srv *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrStateConflict),
		errors.Is(err, store.ErrPlanExists),
		errors.Is(err, warmup.ErrConfirmationRequired):
		code = http.StatusConflict
	case errors.Is(err, distributor.ErrInvalidRequest):
		code = http.StatusBadRequest
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		c.JSON(httpErr.Code, map[string]any{"error": fmt.Sprintf("%s", httpErr.Message)})
		return
	}
	if code == http.StatusInternalServerError {
		srv.logger.Error("request failed", "path", c.Path(), "err", err)
	}
	c.JSON(code, map[string]any{"error": err.Error()})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func accountID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid account ID")
	}
	return uint(id), nil
}

func (srv *Server) HandleStartWarmup(c echo.Context) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	if err := srv.warmup.StartWarmup(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"accountID": id, "days": models.WarmupPlanDays})
}

func (srv *Server) HandleWarmupProgress(c echo.Context) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	progress, err := srv.warmup.GetProgress(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, progress)
}

func (srv *Server) HandlePauseWarmup(c echo.Context) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	if err := srv.warmup.PauseWarmup(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) HandleResumeWarmup(c echo.Context) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	if err := srv.warmup.ResumeWarmup(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type skipWarmupBody struct {
	Confirm bool `json:"confirm"`
}

func (srv *Server) HandleSkipWarmup(c echo.Context) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	var body skipWarmupBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := srv.warmup.SkipToActive(c.Request().Context(), id, body.Confirm); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type markTaskBody struct {
	Status    models.TaskStatus `json:"status"`
	Completed int               `json:"completed"`
}

// HandleMarkTask is the callback surface for the executor to report warmup
// task progress.
func (srv *Server) HandleMarkTask(c echo.Context) error {
	taskID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid task ID")
	}
	var body markTaskBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := srv.warmup.MarkTask(c.Request().Context(), uint(taskID), body.Status, body.Completed); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) HandleQuota(c echo.Context) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	action := models.ActionType(c.QueryParam("action"))
	if action == "" {
		action = models.ActionPost
	}
	if !action.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown action type")
	}
	ctx := c.Request().Context()
	acc, err := srv.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	hourly, daily, err := srv.limiter.Remaining(ctx, id, action, acc.CreatedAt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"accountID":       id,
		"action":          action,
		"hourlyRemaining": hourly,
		"dailyRemaining":  daily,
		"hourlyResetAt":   srv.limiter.ResetTime(ratelimit.WindowHourly),
		"dailyResetAt":    srv.limiter.ResetTime(ratelimit.WindowDaily),
	})
}

type distributeBody struct {
	Owner       string  `json:"owner"`
	ContentRef  string  `json:"content_ref"`
	Count       int     `json:"count"`
	SpreadHours float64 `json:"spread_hours"`
	Niche       string  `json:"niche"`
	Exclude     []uint  `json:"exclude"`
}

func (srv *Server) HandleDistribute(c echo.Context) error {
	var body distributeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := srv.distributor.Distribute(c.Request().Context(), distributor.Request{
		Owner:       body.Owner,
		ContentRef:  body.ContentRef,
		Count:       body.Count,
		SpreadHours: body.SpreadHours,
		Niche:       body.Niche,
		Exclude:     body.Exclude,
	})
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if res.Risk.Blocked {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, res)
}

func (srv *Server) HandleDistributionStatus(c echo.Context) error {
	status, err := srv.distributor.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

func (srv *Server) HandleCancelDistribution(c echo.Context) error {
	if err := srv.distributor.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type outcomeBody struct {
	AccountID   uint   `json:"account_id"`
	Success     bool   `json:"success"`
	RateLimited bool   `json:"rate_limited"`
	Error       string `json:"error"`
}

// HandleRecordOutcome is the callback surface for the execution queue to
// report terminal job results.
func (srv *Server) HandleRecordOutcome(c echo.Context) error {
	var body outcomeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.AccountID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "missing account ID")
	}
	err := srv.distributor.RecordOutcome(c.Request().Context(), c.Param("id"), body.AccountID, body.Success, body.RateLimited, body.Error)
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
