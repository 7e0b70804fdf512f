package httpapi

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vinayprograms/taskmesh/logging"
)

// Server runs the HTTP API on an echo instance.
type Server struct {
	echo *echo.Echo
	addr string
	log  *logging.Logger
	errc chan error
}

// NewServer builds an echo server with recovery and request logging and
// registers h's routes on it.
func NewServer(addr string, h *Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	log := logger.WithComponent("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := map[string]interface{}{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				fields["error"] = v.Error.Error()
			}
			log.Debug("request", fields)
			return nil
		},
	}))

	h.RegisterRoutes(e)

	return &Server{
		echo: e,
		addr: addr,
		log:  log,
		errc: make(chan error, 1),
	}
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start binds the listener and serves in the background. Bind errors are
// returned directly; later serve errors arrive on Err.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.echo.Listener = ln

	s.log.Info("listening", map[string]interface{}{"addr": ln.Addr().String()})

	go func() {
		err := s.echo.Start("")
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.errc <- err
		}
		close(s.errc)
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.echo.Listener == nil {
		return s.addr
	}
	return s.echo.Listener.Addr().String()
}

// Err delivers a fatal serve error, or is closed on clean shutdown.
func (s *Server) Err() <-chan error {
	return s.errc
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
