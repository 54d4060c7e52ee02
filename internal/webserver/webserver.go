package webserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/talkincode/wafleet/internal/app"
	"github.com/talkincode/wafleet/pkg/metrics"
)

type route struct {
	method  string
	path    string
	handler echo.HandlerFunc
}

var routes []route

// ApiGET registers a GET route; applied when the server is initialized.
func ApiGET(path string, h echo.HandlerFunc) { routes = append(routes, route{http.MethodGet, path, h}) }

// ApiPOST registers a POST route.
func ApiPOST(path string, h echo.HandlerFunc) {
	routes = append(routes, route{http.MethodPost, path, h})
}

// ApiPUT registers a PUT route.
func ApiPUT(path string, h echo.HandlerFunc) { routes = append(routes, route{http.MethodPut, path, h}) }

// ApiDELETE registers a DELETE route.
func ApiDELETE(path string, h echo.HandlerFunc) {
	routes = append(routes, route{http.MethodDelete, path, h})
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// WebServer hosts the admin HTTP surface.
type WebServer struct {
	root *echo.Echo
	app  app.AppContext
	addr string
}

// Init builds the echo server, wires middleware and applies every route
// registered through the Api* helpers.
func Init(application app.AppContext) *WebServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("app", application)
			return next(c)
		}
	})

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	for _, r := range routes {
		e.Add(r.method, r.path, r.handler)
	}

	cfg := application.Config()
	return &WebServer{
		root: e,
		app:  application,
		addr: fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
	}
}

// Start blocks serving HTTP until Shutdown.
func (s *WebServer) Start() error {
	zap.L().Info("webserver: listening", zap.String("addr", s.addr))
	err := s.root.Start(s.addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *WebServer) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			zap.L().Debug("webserver: request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("took", time.Since(start)))
			return err
		}
	}
}
