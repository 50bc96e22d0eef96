package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rzbill/santa/internal/monitor"
	"github.com/rzbill/santa/internal/queue"
	"github.com/rzbill/santa/internal/runtime"
	"github.com/rzbill/santa/internal/server/http/controllers"
	"github.com/rzbill/santa/internal/worker"
	"github.com/rzbill/santa/internal/workflow"
	logpkg "github.com/rzbill/santa/pkg/log"
)

// Deps are the components the admin API exposes. Engine, Queue, Monitor
// and Worker are optional; their routes are omitted when nil.
type Deps struct {
	Runtime *runtime.Runtime
	Engine  *workflow.Engine
	Queue   *queue.Queue
	Monitor *monitor.Monitor
	Worker  *worker.Worker
	Logger  logpkg.Logger
	Now     func() time.Time
}

type Server struct {
	rt     *runtime.Runtime
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logpkg.Nop()
	}
	logger := d.Logger.WithComponent("http")

	cs := []controllers.RouteRegistrar{controllers.NewGeneralController(d.Runtime)}
	if d.Engine != nil {
		cs = append(cs, controllers.NewRunsController(d.Engine, d.Runtime.RunInput(), logger))
	}
	if d.Queue != nil {
		cs = append(cs, controllers.NewQueueController(d.Queue, d.Worker, logger))
	}
	if d.Monitor != nil {
		cs = append(cs, controllers.NewAlarmController(d.Monitor, d.Now))
	}

	mux := http.NewServeMux()
	controllers.NewControllerRegistry(cs...).RegisterAllRoutes(mux)
	return &Server{
		rt:     d.Runtime,
		logger: logger,
		srv: &http.Server{
			Handler:           cors(mux),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          logpkg.ToStdLogger(logger, logpkg.WarnLevel),
		},
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
