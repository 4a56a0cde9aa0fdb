package nnaccel

import (
	"fmt"

	"github.com/cyclopcam/camflow/pkg/nn"
)

// Size of the grid cells that BrightObjectDetector samples, in pixels
const brightCellSize = 4

// Luma above which a cell is considered part of an object
const brightLuma = 200

// BrightObjectDetector returns an InferFunc that finds bright blobs on a dark background.
// It stands in for a real detection network when there is no accelerator, and it finds
// exactly the objects that the test pattern source draws.
// Tall blobs are reported as people, and wide blobs as cars.
func BrightObjectDetector(minConfidence float32) InferFunc {
	return func(input [][]byte, inputInfo nn.TensorInfo, outputs map[string][]byte, outputInfo []nn.TensorInfo) error {
		if len(input) == 0 || inputInfo.Channels != 4 {
			return fmt.Errorf("BrightObjectDetector needs an RGBA input")
		}
		dets := findBrightObjects(input[0], inputInfo.Width, inputInfo.Height, minConfidence)
		for _, info := range outputInfo {
			if info.Format != nn.TensorFormatNMSByClass {
				continue
			}
			if _, err := nn.EncodeNMSByClass(dets, info.NMS, outputs[info.Name]); err != nil {
				return err
			}
		}
		return nil
	}
}

func findBrightObjects(rgba []byte, width, height int, minConfidence float32) []nn.Detection {
	gw := width / brightCellSize
	gh := height / brightCellSize
	if gw == 0 || gh == 0 || len(rgba) < width*height*4 {
		return nil
	}
	bright := make([]bool, gw*gh)
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			x := gx*brightCellSize + brightCellSize/2
			y := gy*brightCellSize + brightCellSize/2
			p := (y*width + x) * 4
			luma := (int(rgba[p])*77 + int(rgba[p+1])*150 + int(rgba[p+2])*29) >> 8
			bright[gy*gw+gx] = luma > brightLuma
		}
	}

	// Flood fill 4-connected regions of bright cells
	label := make([]int32, gw*gh)
	stack := []int{}
	dets := []nn.Detection{}
	next := int32(0)
	for start := range bright {
		if !bright[start] || label[start] != 0 {
			continue
		}
		next++
		label[start] = next
		stack = append(stack[:0], start)
		minX, minY, maxX, maxY := gw, gh, -1, -1
		cells := 0
		for len(stack) != 0 {
			c := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cx, cy := c%gw, c/gw
			cells++
			minX, minY = min(minX, cx), min(minY, cy)
			maxX, maxY = max(maxX, cx), max(maxY, cy)
			for _, n := range [4][2]int{{cx - 1, cy}, {cx + 1, cy}, {cx, cy - 1}, {cx, cy + 1}} {
				if n[0] < 0 || n[1] < 0 || n[0] >= gw || n[1] >= gh {
					continue
				}
				ni := n[1]*gw + n[0]
				if bright[ni] && label[ni] == 0 {
					label[ni] = next
					stack = append(stack, ni)
				}
			}
		}
		bw := maxX - minX + 1
		bh := maxY - minY + 1
		fill := float32(cells) / float32(bw*bh)
		confidence := 0.5 + 0.5*fill
		if confidence < minConfidence || cells < 2 {
			continue
		}
		class := nn.COCOCar
		if bh > bw {
			class = nn.COCOPerson
		}
		dets = append(dets, nn.Detection{
			Class:      class,
			Confidence: confidence,
			Box: nn.BBox{
				XMin:   float32(minX) / float32(gw),
				YMin:   float32(minY) / float32(gh),
				Width:  float32(bw) / float32(gw),
				Height: float32(bh) / float32(gh),
			},
		})
	}
	return dets
}
