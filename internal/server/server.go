package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nigan/internal/camera"
	"nigan/internal/config"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	controller *camera.Controller
	logger     *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server

	// requests はハンドラに渡すコンテキストの親。シャットダウン時に取り消す
	requests     context.Context
	stopRequests context.CancelFunc

	mu       sync.Mutex
	addr     string
	surfaces map[camera.CameraID]*camera.FrameSurface
	events   []EventResponse
}

// 保持する最近のイベント数
const maxEvents = 50

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, controller *camera.Controller, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	requests, stopRequests := context.WithCancel(context.Background())
	s := &Server{
		config:       cfg,
		controller:   controller,
		logger:       logger,
		engine:       engine,
		requests:     requests,
		stopRequests: stopRequests,
		surfaces:     make(map[camera.CameraID]*camera.FrameSurface),
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			BaseContext: func(net.Listener) context.Context {
				return requests
			},
		},
	}
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/events", s.handleEvents)
	api.POST("/capture", s.handleCapture)

	cameras := api.Group("/cameras")
	cameras.GET("", s.handleCameras)
	cameras.GET("/:id", s.handleCamera)
	cameras.POST("/:id/surface", s.handleAttachSurface)
	cameras.PUT("/:id/surface", s.handleResizeSurface)
	cameras.DELETE("/:id/surface", s.handleDestroySurface)
	cameras.PUT("/:id/rotation", s.handleRotation)
	cameras.POST("/:id/toggle", s.handleToggle)
	cameras.POST("/:id/close", s.handleClose)
	cameras.GET("/:id/stream", s.handleStream)
}

// requestLogger はリクエストをdebugレベルで記録する
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTPリクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Start はサーバーを起動し、ctxの終了かシグナルを受けるまで待つ
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchEvents(watchCtx)

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", zap.String("signal", sig.String()))
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	// 配信中のストリームを終わらせる
	s.stopRequests()

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// watchEvents はコントローラーからの非同期通知を記録する
func (s *Server) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.controller.Notices():
			s.recordNotice(n)
		case r := <-s.controller.CaptureResults():
			s.recordResult(r)
		}
	}
}

func (s *Server) recordNotice(n camera.Notice) {
	fields := []zap.Field{
		zap.String("camera", string(n.Camera)),
		zap.Stringer("severity", n.Severity),
		zap.Bool("exit_screen", n.ExitScreen),
		zap.Error(n.Err),
	}
	if n.Severity == camera.SeverityFatal {
		s.logger.Error("カメラで致命的な問題が発生しました", fields...)
	} else {
		s.logger.Warn("カメラからの通知", fields...)
	}

	s.pushEvent(EventResponse{
		Kind:       "notice",
		Camera:     string(n.Camera),
		Severity:   n.Severity.String(),
		ExitScreen: n.ExitScreen,
		Message:    errorMessage(n.Err),
		Timestamp:  n.At,
	})
}

func (s *Server) recordResult(r camera.CaptureResult) {
	ev := EventResponse{
		Kind:      "capture",
		Camera:    string(r.Capture.Camera),
		Path:      r.Capture.Path,
		Timestamp: r.At,
	}
	if r.Err != nil {
		ev.Severity = camera.SeverityOf(r.Err).String()
		ev.Message = r.Err.Error()
	}
	s.pushEvent(ev)
}

func (s *Server) pushEvent(ev EventResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
}

func (s *Server) recentEvents() []EventResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventResponse, len(s.events))
	copy(out, s.events)
	return out
}

// surface はカメラの描画先を返す。createがtrueなら必要に応じて作成する
func (s *Server) surface(id camera.CameraID, width, height int, create bool) (*camera.FrameSurface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if surface, ok := s.surfaces[id]; ok {
		return surface, true
	}
	if !create {
		return nil, false
	}
	surface := camera.NewFrameSurface(width, height)
	s.surfaces[id] = surface
	return surface, true
}

func (s *Server) forgetSurface(id camera.CameraID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.surfaces, id)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
