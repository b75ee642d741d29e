package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CaptureFileName は撮影画像のファイル名を作る
// 形式: image_<yyyyMMdd_HHmmss>_<camera>_<uuid先頭8文字><ext>
func CaptureFileName(camera CameraID, at time.Time, ext string) string {
	return fmt.Sprintf("image_%s_%s_%s%s",
		at.Format("20060102_150405"),
		camera,
		uuid.NewString()[:8],
		ext,
	)
}

// FilePersister は撮影画像をファイルに保存する
type FilePersister struct {
	quality int
	logger  *zap.Logger
}

// NewFilePersister は新しいFilePersisterを作成する
func NewFilePersister(quality int, logger *zap.Logger) *FilePersister {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &FilePersister{quality: quality, logger: logger}
}

// Save は拡張子に応じてJPEGかPNGで保存する
//
// 一時ファイルに書き込んでからリネームするため、途中で失敗しても
// 書きかけのファイルは残らない。
func (p *FilePersister) Save(ctx context.Context, frame image.Image, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".capture-*")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	defer func() {
		// リネーム後は存在しないので失敗してよい
		_ = os.Remove(tmp.Name())
	}()

	if err := p.encode(tmp, frame, path); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("ファイルのリネームに失敗: %w", err)
	}

	p.logger.Info("撮影画像を保存しました", zap.String("path", path))
	return nil
}

func (p *FilePersister) encode(f *os.File, frame image.Image, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		if err := png.Encode(f, frame); err != nil {
			return fmt.Errorf("PNGエンコードに失敗: %w", err)
		}
	case ".jpg", ".jpeg":
		if err := jpeg.Encode(f, frame, &jpeg.Options{Quality: p.quality}); err != nil {
			return fmt.Errorf("JPEGエンコードに失敗: %w", err)
		}
	default:
		return fmt.Errorf("サポートされていない拡張子: %s", filepath.Ext(path))
	}
	return nil
}

// MockPersister はテスト用のPersister
type MockPersister struct {
	mu         sync.Mutex
	saves      []string
	shouldFail bool
	hold       chan struct{}
}

// NewMockPersister は新しいMockPersisterを作成する
func NewMockPersister() *MockPersister {
	return &MockPersister{}
}

func (p *MockPersister) Save(ctx context.Context, frame image.Image, path string) error {
	p.mu.Lock()
	hold := p.hold
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, path)
	if p.shouldFail {
		return errors.New("モック保存エラー")
	}
	return nil
}

// SetShouldFail は保存を失敗させるかどうかを設定する
func (p *MockPersister) SetShouldFail(shouldFail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shouldFail = shouldFail
}

// Hold はReleaseが呼ばれるまでSaveを待たせる
func (p *MockPersister) Hold() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hold == nil {
		p.hold = make(chan struct{})
	}
}

// Release は待たせているSaveを再開させる
func (p *MockPersister) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hold != nil {
		close(p.hold)
		p.hold = nil
	}
}

// Saves は保存が呼ばれたパスを返す
func (p *MockPersister) Saves() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.saves))
	copy(out, p.saves)
	return out
}
