package postprocess

import (
	"testing"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/roi"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func nmsTensor(t *testing.T, name string, dets []nn.Detection) *roi.Tensor {
	info := nn.TensorInfo{
		Name:   name,
		Format: nn.TensorFormatNMSByClass,
		NMS:    nn.NMSShape{NumClasses: 80, MaxBoxesPerClass: 5},
	}
	data := make([]byte, info.FrameSize())
	_, err := nn.EncodeNMSByClass(dets, info.NMS, data)
	require.NoError(t, err)
	return &roi.Tensor{Name: name, Data: data, Info: info}
}

func TestDecode(t *testing.T) {
	s := New(logs.NewTestingLog(t), "postprocess", DefaultConfig())
	buf := frame.New(frame.NewImage(8, 8, frame.PixelFormatRGBA), 1)
	buf.ROI().AddTensor(nmsTensor(t, "yolo/nms", []nn.Detection{
		{Class: nn.COCOCar, Confidence: 0.8, Box: nn.BBox{XMin: 0.1, YMin: 0.2, Width: 0.3, Height: 0.2}},
		{Class: nn.COCOPerson, Confidence: 0.3, Box: nn.BBox{XMin: 0.5, YMin: 0.5, Width: 0.1, Height: 0.3}},
	}))

	require.NoError(t, s.Process(buf))
	dets := buf.ROI().Detections()
	require.Len(t, dets, 1)
	require.Equal(t, "car", dets[0].Label)
	require.Equal(t, nn.COCOCar, dets[0].ClassID)
	require.InDelta(t, 0.1, dets[0].BBox.XMin, 1e-5)
	require.InDelta(t, 0.3, dets[0].BBox.Width, 1e-5)
	require.Len(t, buf.ROI().Tensors(), 0)
	require.Equal(t, int64(1), s.Counters().ExtraValue(stage.CounterDetections))
}

func TestTensorFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tensor = "b"
	cfg.KeepTensors = true
	s := New(logs.NewTestingLog(t), "postprocess", cfg)
	buf := frame.New(frame.NewImage(8, 8, frame.PixelFormatRGBA), 1)
	det := []nn.Detection{{Class: nn.COCOPerson, Confidence: 0.9, Box: nn.BBox{XMin: 0.1, YMin: 0.1, Width: 0.1, Height: 0.1}}}
	buf.ROI().AddTensor(nmsTensor(t, "a", det))
	buf.ROI().AddTensor(nmsTensor(t, "b", det))

	require.NoError(t, s.Process(buf))
	require.Len(t, buf.ROI().Detections(), 1)
	require.Len(t, buf.ROI().Tensors(), 2)
}

func TestTruncatedTensor(t *testing.T) {
	s := New(logs.NewTestingLog(t), "postprocess", DefaultConfig())
	buf := frame.New(frame.NewImage(8, 8, frame.PixelFormatRGBA), 1)
	tensor := nmsTensor(t, "x", nil)
	tensor.Data = tensor.Data[:3]
	buf.ROI().AddTensor(tensor)
	require.ErrorIs(t, s.Process(buf), stage.ErrPipeline)
}
