package camera

import (
	"fmt"
	"math"
)

// SelectPreviewSize は表示先のアスペクト比に最も近い出力解像度を選ぶ
//
// センサーの出力は横長ディスプレイに対して90度回転しているものとして扱うため、
// 目標比は height/width、候補の比は width/height で比較する。
// 差が同じ候補は先に現れたものを採用する。幅か高さが0以下の候補は無視する。
func SelectPreviewSize(sizes []Resolution, targetWidth, targetHeight int) (Resolution, error) {
	if targetWidth <= 0 || targetHeight <= 0 {
		return Resolution{}, fmt.Errorf("表示先のサイズ %dx%d: %w", targetWidth, targetHeight, ErrInvalidSize)
	}

	preferred := float64(targetHeight) / float64(targetWidth)

	var (
		best     Resolution
		bestDiff = math.Inf(1)
		found    bool
	)
	for _, size := range sizes {
		if size.IsZero() {
			continue
		}
		diff := math.Abs(preferred - float64(size.Width)/float64(size.Height))
		if !found || diff < bestDiff {
			best, bestDiff, found = size, diff, true
		}
	}

	if !found {
		return Resolution{}, fmt.Errorf("有効な出力解像度がありません: %w", ErrInvalidSize)
	}
	return best, nil
}

// validSizes は幅と高さが正の候補だけを残す
func validSizes(sizes []Resolution) []Resolution {
	valid := make([]Resolution, 0, len(sizes))
	for _, size := range sizes {
		if !size.IsZero() {
			valid = append(valid, size)
		}
	}
	return valid
}
