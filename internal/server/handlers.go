package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nigan/internal/camera"
)

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string          `json:"status"`
	Server    ServerInfo      `json:"server"`
	Backend   string          `json:"backend"`
	Cameras   []camera.Status `json:"cameras"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventResponse は非同期通知と保存結果の記録
type EventResponse struct {
	Kind       string    `json:"kind"` // notice または capture
	Camera     string    `json:"camera"`
	Severity   string    `json:"severity,omitempty"`
	ExitScreen bool      `json:"exit_screen,omitempty"`
	Path       string    `json:"path,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SurfaceRequest は描画先のサイズ指定
type SurfaceRequest struct {
	Width  int `json:"width" binding:"required,min=1"`
	Height int `json:"height" binding:"required,min=1"`
}

// RotationRequest は画面回転の指定（度）
type RotationRequest struct {
	Rotation *int `json:"rotation" binding:"required"`
}

// CaptureResponse は撮影要求のレスポンス
type CaptureResponse struct {
	Result   string                  `json:"result"`
	Captures []camera.PendingCapture `json:"captures,omitempty"`
	Errors   string                  `json:"errors,omitempty"`
}

// handleHealth はヘルスチェック
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleStatus はシステム状態を返す
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Backend:   s.config.Camera.Backend,
		Cameras:   s.controller.Statuses(),
		Timestamp: time.Now(),
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.recentEvents()})
}

// handleCameras はカメラ一覧を返す
func (s *Server) handleCameras(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cameras": s.controller.Statuses()})
}

func (s *Server) handleCamera(c *gin.Context) {
	status, err := s.controller.Status(cameraID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleAttachSurface は描画先を作成してカメラを開く
func (s *Server) handleAttachSurface(c *gin.Context) {
	id := cameraID(c)
	var req SurfaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}
	if _, err := s.controller.Status(id); err != nil {
		s.writeError(c, err)
		return
	}

	surface, _ := s.surface(id, req.Width, req.Height, true)
	surface.Resize(req.Width, req.Height)

	if err := s.controller.AttachSurface(c.Request.Context(), id, surface, req.Width, req.Height); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStatus(c, http.StatusAccepted, id)
}

// handleResizeSurface は描画先のサイズ変更を反映する
func (s *Server) handleResizeSurface(c *gin.Context) {
	id := cameraID(c)
	var req SurfaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}
	if surface, ok := s.surface(id, 0, 0, false); ok {
		surface.Resize(req.Width, req.Height)
	}
	if err := s.controller.OnSurfaceResized(id, req.Width, req.Height); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStatus(c, http.StatusOK, id)
}

// handleDestroySurface は描画先を破棄する。カメラは開いたまま
func (s *Server) handleDestroySurface(c *gin.Context) {
	id := cameraID(c)
	if err := s.controller.OnSurfaceDestroyed(id); err != nil {
		s.writeError(c, err)
		return
	}
	s.forgetSurface(id)
	s.respondStatus(c, http.StatusOK, id)
}

func (s *Server) handleRotation(c *gin.Context) {
	id := cameraID(c)
	var req RotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}
	rotation, err := camera.RotationFromDegrees(*req.Rotation)
	if err != nil {
		s.writeBadRequest(c, err)
		return
	}
	if err := s.controller.OnRotationChanged(id, rotation); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStatus(c, http.StatusOK, id)
}

// handleToggle はプレビューの開始と停止を切り替える
func (s *Server) handleToggle(c *gin.Context) {
	result, err := s.controller.Toggle(c.Request.Context(), cameraID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) handleClose(c *gin.Context) {
	id := cameraID(c)
	if err := s.controller.Close(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondStatus(c, http.StatusOK, id)
}

// handleCapture は動作中の全カメラで撮影する
func (s *Server) handleCapture(c *gin.Context) {
	captures, err := s.controller.Capture(c.Request.Context())
	if len(captures) == 0 {
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, CaptureResponse{Result: "nothing_to_capture"})
		return
	}

	// 一部のカメラだけ失敗した場合も受け付け済みとして返す
	resp := CaptureResponse{Result: "accepted", Captures: captures}
	if err != nil {
		resp.Errors = err.Error()
	}
	c.JSON(http.StatusAccepted, resp)
}

// frameSource は新しいフレームを待てる描画先
type frameSource interface {
	WaitFrame(ctx context.Context, seq uint64) (uint64, error)
	CurrentFrame() (image.Image, error)
}

// handleStream は描画先のフレームをMJPEGで配信する
func (s *Server) handleStream(c *gin.Context) {
	id := cameraID(c)
	attached, err := s.controller.Surface(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	surface, ok := attached.(frameSource)
	if !ok {
		s.writeError(c, fmt.Errorf("カメラ %s の描画先は配信に対応していません: %w", id, camera.ErrInvalidState))
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	ctx := c.Request.Context()
	var (
		seq uint64
		buf bytes.Buffer
	)
	for {
		next, err := surface.WaitFrame(ctx, seq)
		if err != nil {
			// クライアントが切断された
			return
		}
		seq = next

		frame, err := surface.CurrentFrame()
		if err != nil {
			continue
		}
		buf.Reset()
		if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: s.config.Capture.Quality}); err != nil {
			s.logger.Warn("フレームのエンコードに失敗しました", zap.String("camera", string(id)), zap.Error(err))
			return
		}

		if _, err := writer.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			return
		}
		if _, err := writer.Write(buf.Bytes()); err != nil {
			return
		}
		if _, err := writer.Write([]byte("\r\n")); err != nil {
			return
		}

		// バッファをフラッシュ
		flusher.Flush()
	}
}

func (s *Server) respondStatus(c *gin.Context, code int, id camera.CameraID) {
	status, err := s.controller.Status(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(code, status)
}

func cameraID(c *gin.Context) camera.CameraID {
	return camera.CameraID(c.Param("id"))
}

// statusFor はエラー分類をHTTPステータスに対応付ける
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrUnknownCamera):
		return http.StatusNotFound, "unknown_camera"
	case errors.Is(err, camera.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, camera.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, camera.ErrCaptureInProgress):
		return http.StatusConflict, "capture_in_progress"
	case errors.Is(err, camera.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, camera.ErrInvalidSize):
		return http.StatusBadRequest, "invalid_size"
	case errors.Is(err, camera.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, camera.ErrNotStarted), errors.Is(err, camera.ErrExecutorStopped):
		return http.StatusServiceUnavailable, "not_started"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	code, name := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		s.logger.Error("リクエストの処理に失敗しました", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(code, ErrorResponse{
		Error:     name,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

func (s *Server) writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "bad_request",
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}
