package featengine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tradefeatures/internal/feature"
	"tradefeatures/internal/logger"
	"tradefeatures/internal/metrics"
	"tradefeatures/internal/model"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var validate = validator.New()

// newRouter builds the HTTP API.
func (svc *Service) newRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Validator = requestValidator{}
	e.Use(middleware.Recover())
	e.Use(requestLogging())

	e.GET("/healthz", svc.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(svc.reg)))
	e.GET("/features", svc.handleFeatures)
	e.GET("/candles/live", svc.handleLiveAll)
	e.GET("/candles/:exchange/:symbol/live", svc.handleLive)
	e.GET("/candles/:exchange/:symbol", svc.handleCandles)
	e.POST("/reload", svc.handleReload)
	if svc.hub != nil {
		svc.hub.Mount(e.Group("/stream"))
	}
	return e
}

// requestLogging tags every request with a trace ID (X-Request-ID when the
// caller sent one) and logs it with its status and latency.
func requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			tid := req.Header.Get(echo.HeaderXRequestID)
			if tid == "" {
				tid = logger.GenerateTraceID(req.Method+" "+req.URL.Path, start)
			}
			c.SetRequest(req.WithContext(logger.WithTraceID(req.Context(), tid)))
			c.Response().Header().Set(echo.HeaderXRequestID, tid)

			if err := next(c); err != nil {
				c.Error(err)
			}
			slog.Info("[http] request",
				append(logger.LogWithTrace(c.Request().Context()),
					"method", req.Method,
					"uri", req.RequestURI,
					"status", c.Response().Status,
					"latency", time.Since(start).String())...)
			return nil
		}
	}
}

// requestValidator adapts go-playground/validator to echo.Validator.
type requestValidator struct{}

func (requestValidator) Validate(i any) error {
	if err := validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, validationErrors(err))
	}
	return nil
}

// bindAndValidate binds path, query and body into req, fills defaults for
// zero fields and validates the result.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	if err := defaults.Set(req); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Validate(req)
}

func validationErrors(err error) []ValidationError {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return []ValidationError{{Code: "ERR_UNKNOWN", Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(ves))
	for _, fe := range ves {
		out = append(out, ValidationError{
			Code:    "ERR_" + strings.ToUpper(fe.Tag()),
			Field:   fe.Field(),
			Message: fe.Field() + " failed " + fe.Tag() + " " + fe.Param(),
		})
	}
	return out
}

func (svc *Service) handleHealth(c echo.Context) error {
	report, code := svc.health.Report()
	return c.JSON(code, report)
}

// FeaturesResponse is the body of GET /features.
type FeaturesResponse struct {
	Features  []string `json:"features"`
	Available []string `json:"available"`
	Rule      string   `json:"rule"`
}

func (svc *Service) handleFeatures(c echo.Context) error {
	return c.JSON(http.StatusOK, FeaturesResponse{
		Features:  feature.Names(svc.agg.Kinds()),
		Available: feature.Names(feature.AllKinds()),
		Rule:      svc.cfg.Rule,
	})
}

type instrumentParams struct {
	Exchange string `param:"exchange" validate:"required"`
	Symbol   string `param:"symbol" validate:"required"`
}

func (p instrumentParams) key() string { return p.Exchange + ":" + p.Symbol }

func (svc *Service) handleLive(c echo.Context) error {
	var p instrumentParams
	if err := bindAndValidate(c, &p); err != nil {
		return err
	}
	candle, ok := svc.agg.Peek(p.key())
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no open interval for "+p.key())
	}
	return c.JSON(http.StatusOK, candle)
}

func (svc *Service) handleLiveAll(c echo.Context) error {
	return c.JSON(http.StatusOK, svc.agg.PeekAll())
}

type candlesQuery struct {
	Exchange string `param:"exchange" validate:"required"`
	Symbol   string `param:"symbol" validate:"required"`
	After    int64  `query:"after" validate:"gte=0"`
	Limit    int    `query:"limit" default:"100" validate:"gte=1,lte=1000"`
}

// handleCandles pages through persisted closed candles, oldest first,
// starting after the ?after timestamp. SQLite is preferred; the Redis
// stream serves as fallback.
func (svc *Service) handleCandles(c echo.Context) error {
	var q candlesQuery
	if err := bindAndValidate(c, &q); err != nil {
		return err
	}

	var reader model.CandleReader
	switch {
	case svc.sqlReader != nil:
		reader = svc.sqlReader
	case svc.redisWriter != nil:
		reader = svc.redisWriter
	default:
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no candle store configured")
	}

	candles, err := reader.ReadCandles(c.Request().Context(), q.Exchange, q.Symbol, q.After, q.Limit)
	if err != nil {
		slog.Error("[featengine] read candles failed",
			append(logger.LogWithTrace(c.Request().Context()), "instrument", q.Exchange+":"+q.Symbol, "error", err)...)
		return echo.NewHTTPError(http.StatusInternalServerError, "read candles failed")
	}
	if candles == nil {
		candles = []model.FeatureCandle{}
	}
	return c.JSON(http.StatusOK, candles)
}

type reloadQuery struct {
	Broadcast bool `query:"broadcast"`
}

// ReloadResponse is the body of a successful POST /reload.
type ReloadResponse struct {
	Status    string   `json:"status"`
	Features  []string `json:"features"`
	Preserved int      `json:"preserved"`
	Created   int      `json:"created"`
}

// handleReload replaces the feature list with a JSON array of names.
// With ?broadcast=true the list is published on the Redis config channel
// instead, and every subscribed engine (this one included) applies it.
func (svc *Service) handleReload(c echo.Context) error {
	var q reloadQuery
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &q); err != nil {
		return err
	}

	var names []string
	if err := json.NewDecoder(c.Request().Body).Decode(&names); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON: "+err.Error())
	}

	if q.Broadcast {
		if len(names) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, errEmptyFeatureList.Error())
		}
		if _, err := feature.Kinds(names); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if svc.redisWriter == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "redis not configured")
		}
		if err := svc.redisWriter.PublishFeatureConfig(c.Request().Context(), svc.cfg.Redis.ConfigChannel, names); err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, "publish: "+err.Error())
		}
		return c.JSON(http.StatusAccepted, map[string]string{"status": "published"})
	}

	preserved, created, err := svc.applyFeatures(names)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, ReloadResponse{
		Status:    "ok",
		Features:  feature.Names(svc.agg.Kinds()),
		Preserved: preserved,
		Created:   created,
	})
}
