package camera

import (
	"math"

	"golang.org/x/image/math/f64"
)

// Transform は表示用の3x3アフィン変換行列（最下行は暗黙の [0 0 1]）
type Transform f64.Aff3

// IdentityTransform は恒等変換を返す
func IdentityTransform() Transform {
	return Transform{1, 0, 0, 0, 1, 0}
}

// Aff3 はx/image/drawで使える形式で返す
func (t Transform) Aff3() f64.Aff3 {
	return f64.Aff3(t)
}

// IsIdentity は恒等変換かどうかを返す
func (t Transform) IsIdentity() bool {
	return t == IdentityTransform()
}

// Apply は点(x, y)を変換する
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t[0]*x + t[1]*y + t[2], t[3]*x + t[4]*y + t[5]
}

// Then はtを適用した後にnextを適用する変換を返す
func (t Transform) Then(next Transform) Transform {
	return Transform{
		next[0]*t[0] + next[1]*t[3],
		next[0]*t[1] + next[1]*t[4],
		next[0]*t[2] + next[1]*t[5] + next[2],
		next[3]*t[0] + next[4]*t[3],
		next[3]*t[1] + next[4]*t[4],
		next[3]*t[2] + next[4]*t[5] + next[5],
	}
}

// scaleAbout は(cx, cy)を中心とした拡大縮小
func scaleAbout(sx, sy, cx, cy float64) Transform {
	return Transform{sx, 0, cx - sx*cx, 0, sy, cy - sy*cy}
}

// rotateAbout は(cx, cy)を中心とした回転
func rotateAbout(degrees int, cx, cy float64) Transform {
	sin, cos := sinCos(degrees)
	return Transform{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
}

// sinCos は90度の倍数では誤差のない値を返す
func sinCos(degrees int) (float64, float64) {
	switch ((degrees % 360) + 360) % 360 {
	case 0:
		return 0, 1
	case 90:
		return 1, 0
	case 180:
		return 0, -1
	case 270:
		return -1, 0
	}
	rad := float64(degrees) * math.Pi / 180
	return math.Sin(rad), math.Cos(rad)
}

// rectToRectFill は矩形srcを矩形dstに縦横独立の倍率で写す
func rectToRectFill(srcLeft, srcTop, srcW, srcH, dstLeft, dstTop, dstW, dstH float64) Transform {
	sx := dstW / srcW
	sy := dstH / srcH
	return Transform{sx, 0, dstLeft - srcLeft*sx, 0, sy, dstTop - srcTop*sy}
}

// ComputeTransform はプレビューバッファを回転したサーフェスへ写す変換を計算する
//
// プレビューまたはサーフェスのサイズが不明な場合はfalseを返し、呼び出し側は何もしない。
func ComputeTransform(preview Resolution, surfaceWidth, surfaceHeight int, rotation Rotation) (Transform, bool) {
	if preview.IsZero() || surfaceWidth <= 0 || surfaceHeight <= 0 {
		return Transform{}, false
	}

	viewW, viewH := float64(surfaceWidth), float64(surfaceHeight)
	cx, cy := viewW/2, viewH/2

	switch rotation {
	case Rotation90, Rotation270:
		// バッファはセンサーの向きのまま（幅と高さが入れ替わる）
		bufW, bufH := float64(preview.Height), float64(preview.Width)
		bufLeft, bufTop := cx-bufW/2, cy-bufH/2

		m := rectToRectFill(0, 0, viewW, viewH, bufLeft, bufTop, bufW, bufH)
		scale := math.Max(viewH/float64(preview.Height), viewW/float64(preview.Width))
		m = m.Then(scaleAbout(scale, scale, cx, cy))
		m = m.Then(rotateAbout(90*(int(rotation)-2), cx, cy))
		return m, true
	case Rotation180:
		return IdentityTransform().Then(rotateAbout(180, cx, cy)), true
	default:
		return IdentityTransform(), true
	}
}
