// Package app builds a pipeline from a configuration.
//
// With tiling, the topology is:
//
//	frontend[main] -> tiling -> ai -> postprocess -> aggregator(sub)
//	                  tiling ----------------------> aggregator(main)
//	aggregator -> tracker -> overlay -> encoder -> udp
//
// Without tiling, the detector sees a second, smaller stream, and the aggregator pairs its
// results with the main stream by capture timestamp:
//
//	frontend[detection] -> ai -> postprocess -> aggregator(sub)
//	frontend[main] ------------------------------> aggregator(main)
package app

import (
	"fmt"
	"io"
	"time"

	"github.com/cyclopcam/camflow/pkg/log"
	"github.com/cyclopcam/camflow/pkg/nn"
	"github.com/cyclopcam/camflow/pkg/nnaccel"
	"github.com/cyclopcam/camflow/pkg/pipeline"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/camflow/pkg/stages/aggregator"
	"github.com/cyclopcam/camflow/pkg/stages/encoder"
	"github.com/cyclopcam/camflow/pkg/stages/frontend"
	"github.com/cyclopcam/camflow/pkg/stages/infer"
	"github.com/cyclopcam/camflow/pkg/stages/overlay"
	"github.com/cyclopcam/camflow/pkg/stages/postprocess"
	"github.com/cyclopcam/camflow/pkg/stages/tiling"
	"github.com/cyclopcam/camflow/pkg/stages/tracker"
	"github.com/cyclopcam/camflow/pkg/stages/udp"
	"github.com/cyclopcam/camflow/server/config"
	"github.com/cyclopcam/logs"
)

// Name under which the built-in model is registered with the soft device
const BuiltinModel = "builtin"

// Stage names
const (
	FrontendName    = "frontend"
	TilingName      = "tiling"
	InferName       = "ai"
	PostprocessName = "postprocess"
	AggregatorName  = "aggregator"
	TrackerName     = "tracker"
	OverlayName     = "overlay"
	EncoderName     = "encoder"
	UDPName         = "udp"
)

type App struct {
	Log      logs.Log
	Config   *config.Config
	Pipeline *pipeline.Pipeline
	Device   nnaccel.Device

	Source      *frontend.TestPattern
	Frontend    *frontend.Stage
	Tiling      *tiling.Stage // nil without tiling
	Infer       *infer.Stage
	Postprocess *postprocess.Stage
	Aggregator  *aggregator.Aggregator
	Tracker     *tracker.Stage // nil if disabled
	Overlay     *overlay.Stage // nil if disabled
	Encoder     *encoder.Stage
	UDP         *udp.Stage // nil if disabled

	ownDevice *nnaccel.SoftDevice
}

// New builds the pipeline described by 'cfg'. If 'device' is nil, a soft device is created.
// When the configuration has no model path, the built-in bright object detector is registered
// with the device, which must then be a soft device.
func New(logger logs.Log, cfg *config.Config, device nnaccel.Device) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		Log:      logger,
		Config:   cfg,
		Pipeline: pipeline.New(logger),
		Device:   device,
	}
	if a.Device == nil {
		a.ownDevice = nnaccel.NewSoftDevice(log.Prefix(logger, "soft: "))
		a.Device = a.ownDevice
	}
	modelPath := cfg.Model.Path
	if modelPath == "" {
		soft, ok := a.Device.(*nnaccel.SoftDevice)
		if !ok {
			return nil, stage.Errorf(stage.ConfigurationError, "The built-in model needs a soft device")
		}
		soft.Register(BuiltinModel, BuiltinModelSpec(cfg.Model))
		modelPath = BuiltinModel
	}

	var err error
	a.Source, err = frontend.NewTestPattern(logger, cfg.Source)
	if err != nil {
		a.Close()
		return nil, stage.Errorf(stage.ConfigurationError, "%v", err)
	}
	a.Frontend = frontend.New(logger, FrontendName, a.Source)

	if err := a.build(modelPath); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// BuiltinModelSpec describes the bright object detector at the configured size
func BuiltinModelSpec(m config.Model) nnaccel.SoftModelSpec {
	return nnaccel.SoftModelSpec{
		Config: nn.ModelConfig{
			Architecture: BuiltinModel,
			Width:        m.Width,
			Height:       m.Height,
			Classes:      nn.COCOClasses,
			Outputs: []nn.TensorInfo{
				{
					Name:   BuiltinModel + "/nms",
					Format: nn.TensorFormatNMSByClass,
					NMS:    nn.NMSShape{NumClasses: len(nn.COCOClasses), MaxBoxesPerClass: 20},
				},
			},
		},
		Infer:   nnaccel.BrightObjectDetector(m.Threshold),
		Latency: time.Duration(m.LatencyMS) * time.Millisecond,
	}
}

func (a *App) build(modelPath string) error {
	cfg := a.Config
	inferMode, err := nnaccel.ParsePoolMode(cfg.Inference.PoolMode)
	if err != nil {
		return stage.Errorf(stage.ConfigurationError, "inference: %v", err)
	}
	tilingMode, err := nnaccel.ParsePoolMode(cfg.Tiling.PoolMode)
	if err != nil {
		return stage.Errorf(stage.ConfigurationError, "tiling: %v", err)
	}

	// Stages are created from the end of the pipeline towards the front, and each one
	// subscribes to its successor as soon as it exists.
	a.Encoder = encoder.New(a.Log, EncoderName, encoder.Config{
		Quality:     cfg.Encoder.Quality,
		FullChroma:  cfg.Encoder.FullChroma,
		KeepObjects: true,
	})
	if cfg.UDP.Enabled {
		a.UDP = udp.New(a.Log, UDPName, udp.Config{
			Host:        cfg.UDP.Host,
			Port:        cfg.UDP.Port,
			PayloadType: cfg.UDP.PayloadType,
			MTU:         cfg.UDP.MTU,
		})
		a.Encoder.AddSubscriber(a.UDP)
	}
	var next stage.Stage = a.Encoder
	if cfg.Overlay.Enabled {
		a.Overlay = overlay.New(a.Log, OverlayName, overlay.Config{
			ShowConfidence: cfg.Overlay.ShowConfidence,
			LineWidth:      cfg.Overlay.LineWidth,
		})
		a.Overlay.AddSubscriber(next)
		next = a.Overlay
	}
	if cfg.Tracker.Enabled {
		a.Tracker = tracker.New(a.Log, TrackerName, tracker.Config{
			Expiration:   cfg.Tracker.Expiration,
			ForgetFrames: cfg.Tracker.ForgetFrames,
		})
		a.Tracker.AddSubscriber(next)
		next = a.Tracker
	}

	aggCfg := aggregator.DefaultConfig()
	aggCfg.SubInlet = PostprocessName
	aggCfg.Blocking = cfg.Aggregator.Blocking
	aggCfg.MainQueueSize = cfg.Aggregator.QueueSize
	aggCfg.SubQueueSize = cfg.Aggregator.QueueSize
	aggCfg.MainLeaky = cfg.Aggregator.MainLeaky
	aggCfg.SubLeaky = cfg.Aggregator.SubLeaky
	aggCfg.IOUThreshold = cfg.Aggregator.IOUThreshold
	aggCfg.BorderThreshold = cfg.Aggregator.BorderThreshold
	aggCfg.Timeout = time.Duration(cfg.Aggregator.TimeoutMS) * time.Millisecond
	if cfg.Tiling.Enabled {
		aggCfg.MainInlet = TilingName
		aggCfg.MultiScale = true
	} else {
		aggCfg.MainInlet = cfg.MainStream
		aggCfg.Sync = true
		aggCfg.StaticSubFrames = 1
	}
	a.Aggregator = aggregator.New(a.Log, AggregatorName, aggCfg)
	a.Aggregator.AddSubscriber(next)

	post := postprocess.DefaultConfig()
	post.MinConfidence = cfg.Model.Threshold
	a.Postprocess = postprocess.New(a.Log, PostprocessName, post)
	a.Postprocess.AddSubscriber(a.Aggregator)

	a.Infer = infer.New(a.Log, InferName, a.Device, infer.Config{
		ModelPath:          modelPath,
		QueueSize:          cfg.Inference.QueueSize,
		PoolSize:           cfg.Inference.PoolSize,
		BatchSize:          cfg.Inference.BatchSize,
		JobLimit:           cfg.Inference.JobLimit,
		SchedulerThreshold: cfg.Inference.SchedulerThreshold,
		SchedulerTimeout:   time.Duration(cfg.Inference.SchedulerTimeoutMS) * time.Millisecond,
		DynamicThreshold:   cfg.Inference.DynamicThreshold && cfg.Tiling.Enabled,
		PoolMode:           inferMode,
	})
	a.Infer.AddSubscriber(a.Postprocess)

	if cfg.Tiling.Enabled {
		width, height, err := a.modelSize(modelPath)
		if err != nil {
			return err
		}
		tcfg := tiling.Config{
			Auto:                 cfg.Tiling.Auto,
			IncludeFullFrame:     cfg.Tiling.IncludeFullFrame,
			ModelWidth:           width,
			ModelHeight:          height,
			AggregatorSubscriber: AggregatorName,
			InferenceSubscriber:  InferName,
			PoolSize:             cfg.Tiling.PoolSize,
			PoolMode:             tilingMode,
		}
		for _, t := range cfg.Tiling.Tiles {
			tcfg.Tiles = append(tcfg.Tiles, nn.BBox{XMin: t.X, YMin: t.Y, Width: t.Width, Height: t.Height})
		}
		a.Tiling = tiling.New(a.Log, TilingName, tcfg)
		a.Tiling.AddSubscriber(a.Aggregator)
		a.Tiling.AddSubscriber(a.Infer)
		if err := a.Frontend.SubscribeToStream(cfg.MainStream, a.Tiling); err != nil {
			return err
		}
	} else {
		if err := a.Frontend.SubscribeToStream(cfg.MainStream, a.Aggregator); err != nil {
			return err
		}
		if err := a.Frontend.SubscribeToStream(cfg.DetectionStream, a.Infer); err != nil {
			return err
		}
	}

	return a.register()
}

// Adds the stages to the pipeline, downstream first, so that consumers are running
// before their producers
func (a *App) register() error {
	type entry struct {
		s    stage.Stage
		role pipeline.Role
	}
	all := []entry{}
	if a.UDP != nil {
		all = append(all, entry{a.UDP, pipeline.Sink})
		all = append(all, entry{a.Encoder, pipeline.General})
	} else {
		all = append(all, entry{a.Encoder, pipeline.Sink})
	}
	if a.Overlay != nil {
		all = append(all, entry{a.Overlay, pipeline.General})
	}
	if a.Tracker != nil {
		all = append(all, entry{a.Tracker, pipeline.General})
	}
	all = append(all,
		entry{a.Aggregator, pipeline.General},
		entry{a.Postprocess, pipeline.General},
		entry{a.Infer, pipeline.General},
	)
	if a.Tiling != nil {
		all = append(all, entry{a.Tiling, pipeline.General})
	}
	all = append(all, entry{a.Frontend, pipeline.Source})
	for _, e := range all {
		if err := a.Pipeline.AddStage(e.s, e.role); err != nil {
			return err
		}
	}
	return nil
}

// Returns the input size of the model
func (a *App) modelSize(modelPath string) (int, int, error) {
	if a.Config.Model.Path == "" {
		return a.Config.Model.Width, a.Config.Model.Height, nil
	}
	mc, err := nn.LoadModelConfig(modelPath)
	if err != nil {
		return 0, 0, stage.Errorf(stage.ConfigurationError, "%v", err)
	}
	return mc.Width, mc.Height, nil
}

// Start starts every stage of the pipeline
func (a *App) Start() error {
	a.Log.Infof("Starting pipeline with %v stages", len(a.Pipeline.Stages()))
	return a.Pipeline.Start()
}

// Stop stops the pipeline
func (a *App) Stop() error {
	return a.Pipeline.Stop()
}

// Close releases the soft device, if the app created it. The pipeline must be stopped.
func (a *App) Close() {
	if a.ownDevice != nil {
		a.ownDevice.Close()
		a.ownDevice = nil
	}
}

// WriteLatency writes the average latency of each stage
func (a *App) WriteLatency(w io.Writer) error {
	_, err := io.WriteString(w, a.Pipeline.LatencyReport())
	return err
}

// WriteCounters writes the debug counters of each stage
func (a *App) WriteCounters(w io.Writer) error {
	return a.Pipeline.WriteCounters(w)
}

// Summary is a one-line description of the topology
func (a *App) Summary() string {
	mode := "sync"
	if a.Tiling != nil {
		mode = "tiled"
	}
	out := "disabled"
	if a.UDP != nil {
		out = fmt.Sprintf("%v:%v", a.Config.UDP.Host, a.Config.UDP.Port)
	}
	return fmt.Sprintf("%v detection on stream '%v', RTP output %v", mode, a.Config.MainStream, out)
}
