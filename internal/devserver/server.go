package devserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-chat/client/internal/metrics"
)

// Options 参考服务端的连接参数
type Options struct {
	AuthTimeout  time.Duration // 等待首个 auth 帧的时间
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// DefaultOptions 默认连接参数
func DefaultOptions() Options {
	return Options{
		AuthTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PongWait:     60 * time.Second,
		PingInterval: 30 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

// Server 组合服务、Hub 与令牌表并暴露 HTTP 处理器。
type Server struct {
	svc      *Service
	hub      *Hub
	tokens   Tokens
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// New 创建参考服务端。
func New(svc *Service, tokens Tokens, opts Options) *Server {
	def := DefaultOptions()
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = def.AuthTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}

	logger := opts.Logger.With().Str("component", "devserver").Logger()
	return &Server{
		svc:    svc,
		hub:    NewHub(svc.rooms, logger),
		tokens: tokens,
		opts:   opts,
		log:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Hub 返回连接管理器。
func (s *Server) Hub() *Hub { return s.hub }

// Close 断开所有实时连接。http.Server.Shutdown 不会关闭已升级的连接。
func (s *Server) Close() {
	s.hub.Close()
}

// Handler 组装 HTTP 路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(s.tokens.middleware)
		s.registerRoutes(api)
	})

	r.Get("/ws/rooms/{roomID}", s.handleWebSocket)

	return r
}

// requestLogger 记录请求并统计耗时。
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.ServerRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Msg("http request")
	})
}
