package calib

import "github.com/mwa-demo/calfit/internal/model"

// NoReference disables reference tile division.
const NoReference = -1

// DivideByReference expresses every tile's Jones matrix relative to the
// reference tile at the same time and channel, T * R^-1, using the closed
// form 2x2 inverse. A singular reference yields NaN or Inf in that slot.
// With ref == NoReference the input is returned unchanged.
func DivideByReference(j model.Jones, ref int) model.Jones {
	if ref < 0 {
		return j
	}
	gg, gy, yg, yy := j.GG, j.GY, j.YG, j.YY
	out := model.Jones{
		GG: model.NewCube(gg.NTime, gg.NTile, gg.NChan),
		GY: model.NewCube(gg.NTime, gg.NTile, gg.NChan),
		YG: model.NewCube(gg.NTime, gg.NTile, gg.NChan),
		YY: model.NewCube(gg.NTime, gg.NTile, gg.NChan),
	}
	for t := 0; t < gg.NTime; t++ {
		for ch := 0; ch < gg.NChan; ch++ {
			r00 := gg.At(t, ref, ch)
			r01 := gy.At(t, ref, ch)
			r10 := yg.At(t, ref, ch)
			r11 := yy.At(t, ref, ch)
			invDet := (1 + 0i) / (r00*r11 - r01*r10)
			for i := 0; i < gg.NTile; i++ {
				t00 := gg.At(t, i, ch)
				t01 := gy.At(t, i, ch)
				t10 := yg.At(t, i, ch)
				t11 := yy.At(t, i, ch)
				out.GG.Set(t, i, ch, (t00*r11-t01*r10)*invDet)
				out.GY.Set(t, i, ch, (t01*r00-t00*r01)*invDet)
				out.YG.Set(t, i, ch, (t10*r11-t11*r10)*invDet)
				out.YY.Set(t, i, ch, (t11*r00-t10*r01)*invDet)
			}
		}
	}
	return out
}
