package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyclopcam/camflow/pkg/nnaccel"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/camflow/pkg/stages/frontend"
)

// Tile is a region of the frame, in normalized coordinates
type Tile struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

type Model struct {
	Path      string  `json:"path"`      // JSON model config. If empty, the built-in bright object detector is used.
	Width     int     `json:"width"`     // Input size of the built-in model
	Height    int     `json:"height"`    //
	Threshold float32 `json:"threshold"` // Minimum detection confidence
	LatencyMS int     `json:"latencyMS"` // Simulated execution time of one batch of the built-in model
}

type Tiling struct {
	Enabled          bool   `json:"enabled"`          // If false, the detection stream is paired with the main stream by timestamp
	Auto             bool   `json:"auto"`             // Lay out tiles of the model size over the frame
	IncludeFullFrame bool   `json:"includeFullFrame"` // With auto tiling, also detect on the whole frame
	Tiles            []Tile `json:"tiles"`            // Explicit tile layout. Empty for the default layout.
	PoolSize         int    `json:"poolSize"`         // Number of tile buffers
	PoolMode         string `json:"poolMode"`         // blocking, drop, fail
}

type Inference struct {
	QueueSize          int    `json:"queueSize"`
	PoolSize           int    `json:"poolSize"`  // Output tensors per model output
	BatchSize          int    `json:"batchSize"` //
	JobLimit           int    `json:"jobLimit"`  // Maximum number of jobs in flight
	SchedulerThreshold int    `json:"schedulerThreshold"`
	SchedulerTimeoutMS int    `json:"schedulerTimeoutMS"`
	DynamicThreshold   bool   `json:"dynamicThreshold"` // Batch all the tiles of a frame together
	PoolMode           string `json:"poolMode"`         // blocking, drop, fail
}

type Aggregator struct {
	Blocking        bool    `json:"blocking"`
	QueueSize       int     `json:"queueSize"`
	MainLeaky       bool    `json:"mainLeaky"`
	SubLeaky        bool    `json:"subLeaky"`
	IOUThreshold    float32 `json:"iouThreshold"`
	BorderThreshold float32 `json:"borderThreshold"`
	TimeoutMS       int     `json:"timeoutMS"` // Sync wait timeout. Zero waits forever.
}

type Tracker struct {
	Enabled      bool `json:"enabled"`
	Expiration   int  `json:"expiration"`
	ForgetFrames int  `json:"forgetFrames"`
}

type Overlay struct {
	Enabled        bool    `json:"enabled"`
	ShowConfidence bool    `json:"showConfidence"`
	LineWidth      float64 `json:"lineWidth"`
}

type Encoder struct {
	Quality    int  `json:"quality"`
	FullChroma bool `json:"fullChroma"`
}

type UDP struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	MTU         int    `json:"mtu"`
	PayloadType uint8  `json:"payloadType"`
}

type Config struct {
	Source          frontend.TestPatternConfig `json:"source"`
	MainStream      string                     `json:"mainStream"`      // Stream that is annotated and sent out
	DetectionStream string                     `json:"detectionStream"` // Stream that the detector sees, when tiling is disabled
	Model           Model                      `json:"model"`
	Tiling          Tiling                     `json:"tiling"`
	Inference       Inference                  `json:"inference"`
	Aggregator      Aggregator                 `json:"aggregator"`
	Tracker         Tracker                    `json:"tracker"`
	Overlay         Overlay                    `json:"overlay"`
	Encoder         Encoder                    `json:"encoder"`
	UDP             UDP                        `json:"udp"`
}

// DefaultConfig tiles the main stream of the test pattern, and sends the annotated
// result as RTP to localhost
func DefaultConfig() *Config {
	return &Config{
		Source:          frontend.DefaultTestPattern(),
		MainStream:      "main",
		DetectionStream: "small",
		Model: Model{
			Width:     320,
			Height:    320,
			Threshold: 0.5,
		},
		Tiling: Tiling{
			Enabled:  true,
			PoolSize: 20,
			PoolMode: "blocking",
		},
		Inference: Inference{
			QueueSize:          8,
			PoolSize:           16,
			BatchSize:          1,
			JobLimit:           4,
			SchedulerThreshold: 4,
			SchedulerTimeoutMS: 100,
			DynamicThreshold:   true,
			PoolMode:           "blocking",
		},
		Aggregator: Aggregator{
			Blocking:        true,
			IOUThreshold:    0.5,
			BorderThreshold: 0.1,
		},
		Tracker: Tracker{
			Enabled:      true,
			Expiration:   3,
			ForgetFrames: 30,
		},
		Overlay: Overlay{
			Enabled:        true,
			ShowConfidence: true,
			LineWidth:      2,
		},
		Encoder: Encoder{
			Quality: 85,
		},
		UDP: UDP{
			Enabled:     true,
			Host:        "127.0.0.1",
			Port:        5000,
			MTU:         1400,
			PayloadType: 96,
		},
	}
}

// LoadConfig reads a JSON file over the default configuration.
// Fields that are absent from the file keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = "camflow.json"
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON
func (c *Config) Save(filename string) error {
	raw, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, raw, 0644)
}

// Stream returns the stream with the given id
func (c *Config) Stream(id string) (frontend.StreamInfo, bool) {
	for _, s := range c.Source.Streams {
		if s.ID == id {
			return s, true
		}
	}
	return frontend.StreamInfo{}, false
}

// Validate returns a ConfigurationError for the first problem it finds
func (c *Config) Validate() error {
	bad := func(format string, args ...any) error {
		return stage.Errorf(stage.ConfigurationError, format, args...)
	}

	if len(c.Source.Streams) == 0 {
		return bad("No source streams")
	}
	if c.Source.FPS <= 0 {
		return bad("Source fps must be positive, not %v", c.Source.FPS)
	}
	if _, ok := c.Stream(c.MainStream); !ok {
		return bad("Main stream '%v' is not one of the source streams", c.MainStream)
	}
	if !c.Tiling.Enabled {
		det, ok := c.Stream(c.DetectionStream)
		if !ok {
			return bad("Detection stream '%v' is not one of the source streams", c.DetectionStream)
		}
		if c.DetectionStream == c.MainStream {
			return bad("Without tiling, the detection stream must differ from the main stream")
		}
		if c.Model.Path == "" && (det.Width != c.Model.Width || det.Height != c.Model.Height) {
			return bad("Detection stream '%v' is %v x %v, but the model is %v x %v", det.ID, det.Width, det.Height, c.Model.Width, c.Model.Height)
		}
	}

	if c.Model.Path == "" && (c.Model.Width <= 0 || c.Model.Height <= 0) {
		return bad("Invalid model size %v x %v", c.Model.Width, c.Model.Height)
	}
	if c.Model.Threshold < 0 || c.Model.Threshold > 1 {
		return bad("Model threshold %v is outside [0,1]", c.Model.Threshold)
	}

	if _, err := nnaccel.ParsePoolMode(c.Tiling.PoolMode); err != nil {
		return bad("tiling: %v", err)
	}
	if _, err := nnaccel.ParsePoolMode(c.Inference.PoolMode); err != nil {
		return bad("inference: %v", err)
	}
	for _, t := range c.Tiling.Tiles {
		if t.Width <= 0 || t.Height <= 0 || t.X < 0 || t.Y < 0 || t.X+t.Width > 1.0001 || t.Y+t.Height > 1.0001 {
			return bad("Tile %+v is outside the frame", t)
		}
	}
	if c.Inference.JobLimit < 0 || c.Inference.BatchSize < 0 || c.Inference.PoolSize < 0 {
		return bad("Inference limits must not be negative")
	}

	if c.Encoder.Quality < 1 || c.Encoder.Quality > 100 {
		return bad("Encoder quality %v is outside [1,100]", c.Encoder.Quality)
	}
	if c.UDP.Enabled {
		if c.UDP.Port <= 0 || c.UDP.Port > 65535 {
			return bad("Invalid UDP port %v", c.UDP.Port)
		}
		if c.UDP.MTU <= 12 {
			return bad("UDP MTU %v is too small", c.UDP.MTU)
		}
	}
	return nil
}
