package nn

import (
	"github.com/bmharper/tiledinference"
)

// Minimum overlap between adjacent tiles, in pixels
const tilePadding = 32

// AutoTiles splits an image of size width x height into tiles of the model's size.
// The tiles overlap by at least tilePadding pixels, and are returned in normalized coordinates,
// row by row. If the model is as large as the image, a single full-frame tile is returned.
func AutoTiles(width, height, modelWidth, modelHeight int) []BBox {
	tiling := tiledinference.MakeTiling(width, height, modelWidth, modelHeight, tilePadding)
	if tiling.IsSingle() {
		return []BBox{FullFrame}
	}
	tiles := make([]BBox, 0, tiling.NumX*tiling.NumY)
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			r := tiling.TileRect(tx, ty)
			tiles = append(tiles, RectToBBox(Rect{
				X:      int32(r.X1),
				Y:      int32(r.Y1),
				Width:  int32(r.X2 - r.X1),
				Height: int32(r.Y2 - r.Y1),
			}, width, height).Clip())
		}
	}
	return tiles
}
