// Package udp sends encoded frames over UDP, as RTP packets
package udp

import (
	"fmt"
	"math/rand/v2"
	"net"

	"github.com/cyclopcam/camflow/pkg/frame"
	"github.com/cyclopcam/camflow/pkg/stage"
	"github.com/cyclopcam/logs"
	"github.com/pion/rtp"
)

const (
	DefaultPayloadType = 96 // First dynamic RTP payload type
	DefaultMTU         = 1400
	rtpHeaderSize      = 12
)

type Config struct {
	Host        string
	Port        int
	PayloadType uint8
	MTU         int    // Maximum size of a packet, including the RTP header
	SSRC        uint32 // Random if zero
}

func DefaultConfig() Config {
	return Config{
		Host:        "127.0.0.1",
		Port:        5000,
		PayloadType: DefaultPayloadType,
		MTU:         DefaultMTU,
	}
}

// Stage is a sink that splits each encoded frame into RTP packets. All packets of a frame
// share the frame's timestamp, and the last packet of a frame has the marker bit set.
type Stage struct {
	*stage.ConnectedStage
	cfg  Config
	conn *net.UDPConn
	seq  uint16
	ssrc uint32
}

func New(log logs.Log, name string, cfg Config) *Stage {
	if cfg.MTU <= rtpHeaderSize {
		cfg.MTU = DefaultMTU
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = DefaultPayloadType
	}
	s := &Stage{cfg: cfg}
	s.ConnectedStage = stage.New(log, name, s, stage.Options{})
	return s
}

func (s *Stage) Init() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)))
	if err != nil {
		return stage.Errorf(stage.ConfigurationError, "Invalid UDP destination: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return stage.Errorf(stage.ConfigurationError, "%w", err)
	}
	s.conn = conn
	s.ssrc = s.cfg.SSRC
	if s.ssrc == 0 {
		s.ssrc = rand.Uint32()
	}
	s.seq = uint16(rand.Uint32())
	s.Log.Infof("Sending RTP to %v (payload type %v, MTU %v)", addr, s.cfg.PayloadType, s.cfg.MTU)
	return nil
}

func (s *Stage) Deinit() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Stage) Process(buf *frame.Buffer) error {
	size, ok := buf.Size()
	if !ok {
		return stage.Errorf(stage.PipelineError, "Buffer %v has no Size metadata", buf.ID)
	}
	if len(buf.Image.Planes) == 0 || size > len(buf.Image.Planes[0].Data) {
		return stage.Errorf(stage.PipelineError, "Buffer %v is smaller than its Size (%v)", buf.ID, size)
	}
	payload := buf.Image.Planes[0].Data[:size]

	ts := rtpTimestamp(buf.CaptureTS)
	maxPayload := s.cfg.MTU - rtpHeaderSize
	packets := 0
	for start := 0; start < len(payload) || packets == 0; start += maxPayload {
		end := min(start+maxPayload, len(payload))
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    s.cfg.PayloadType,
				SequenceNumber: s.seq,
				Timestamp:      ts,
				SSRC:           s.ssrc,
				Marker:         end == len(payload),
			},
			Payload: payload[start:end],
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return stage.Errorf(stage.PipelineError, "RTP marshal: %w", err)
		}
		if _, err := s.conn.Write(raw); err != nil {
			return stage.Errorf(stage.PipelineError, "UDP send: %w", err)
		}
		s.seq++
		packets++
	}
	s.Counters().Extra(stage.CounterPackets).Add(int64(packets))
	s.Counters().Extra(stage.CounterBytes).Add(int64(size))
	return nil
}

// Converts nanoseconds to the 90 kHz RTP clock. Microseconds keep the product
// inside int64 for wall clock times.
func rtpTimestamp(ns int64) uint32 {
	return uint32(ns / 1000 * 90 / 1000)
}
