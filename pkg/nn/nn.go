// Package nn holds the neural network vocabulary that the pipeline shares between stages:
// tensor descriptions, model config files, detections and their geometry.
package nn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.45

// TensorFormat is the element layout of a tensor
type TensorFormat string

const (
	TensorFormatUint8      TensorFormat = "uint8"
	TensorFormatFloat32    TensorFormat = "float32"
	TensorFormatNMSByClass TensorFormat = "nms_by_class" // Hailo style NMS output, see nmstensor.go
)

// QuantInfo describes how to dequantize a uint8 tensor: real = (q - ZeroPoint) * Scale
type QuantInfo struct {
	Scale     float32 `json:"scale"`
	ZeroPoint float32 `json:"zeroPoint"`
}

// NMSShape describes the layout of an NMS-by-class tensor
type NMSShape struct {
	NumClasses       int `json:"numClasses"`
	MaxBoxesPerClass int `json:"maxBoxesPerClass"`
}

// TensorInfo describes one input or output of a model.
// Accelerators call their outputs "virtual streams", and Name is the stream's name.
type TensorInfo struct {
	Name     string       `json:"name"`
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Channels int          `json:"channels"`
	Format   TensorFormat `json:"format"`
	Quant    QuantInfo    `json:"quant"`
	NMS      NMSShape     `json:"nms"`
}

// FrameSize returns the number of bytes that one frame of this tensor occupies
func (t *TensorInfo) FrameSize() int {
	switch t.Format {
	case TensorFormatFloat32:
		return t.Width * t.Height * t.Channels * 4
	case TensorFormatNMSByClass:
		return NMSByClassSize(t.NMS)
	default:
		return t.Width * t.Height * t.Channels
	}
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string       `json:"architecture"` // eg "yolov8"
	Width        int          `json:"width"`        // eg 640
	Height       int          `json:"height"`       // eg 640
	Classes      []string     `json:"classes"`      // eg ["person", "bicycle", "car", ...]
	Outputs      []TensorInfo `json:"outputs"`      // If empty, a single NMS-by-class output is assumed
}

// Input returns the input tensor description. Inputs are RGBA frames of the model size.
func (c *ModelConfig) Input() TensorInfo {
	return TensorInfo{
		Name:     "input",
		Width:    c.Width,
		Height:   c.Height,
		Channels: 4,
		Format:   TensorFormatUint8,
	}
}

// Fill in defaults
func (c *ModelConfig) setDefaults() {
	if len(c.Classes) == 0 {
		c.Classes = COCOClasses
	}
	if len(c.Outputs) == 0 {
		c.Outputs = []TensorInfo{
			{
				Name:   c.Architecture + "/nms",
				Format: TensorFormatNMSByClass,
				NMS: NMSShape{
					NumClasses:       len(c.Classes),
					MaxBoxesPerClass: 100,
				},
			},
		}
	}
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, fmt.Errorf("Error decoding model config %v: %w", filename, err)
	}
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("Model config %v has invalid size %v x %v", filename, config.Width, config.Height)
	}
	config.setDefaults()
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
