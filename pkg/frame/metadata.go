package frame

import (
	"fmt"
	"time"

	"github.com/cyclopcam/camflow/pkg/nn"
)

// MetaKind is the tag of the Metadata union
type MetaKind int

const (
	MetaTimestamp           MetaKind = iota // Arrival of the buffer at a stage
	MetaSize                                // Length of an encoded payload
	MetaTensor                              // Reference to an inference output tensor
	MetaCroppingExpectation                 // Number of sub-frames an aggregator should wait for
	MetaBatchPosition                       // Position of a crop within an accelerator batch
)

func (k MetaKind) String() string {
	switch k {
	case MetaTimestamp:
		return "Timestamp"
	case MetaSize:
		return "Size"
	case MetaTensor:
		return "Tensor"
	case MetaCroppingExpectation:
		return "CroppingExpectation"
	case MetaBatchPosition:
		return "BatchPosition"
	}
	return fmt.Sprintf("MetaKind(%d)", int(k))
}

type Timestamp struct {
	Stage string
	Time  time.Time
}

type Size struct {
	Bytes int
}

// Tensor refers to an output tensor of an inference run.
// The bytes belong to a tensor pool, and return to it when the buffer is released.
type Tensor struct {
	Name string
	Data []byte
	Info nn.TensorInfo
}

type CroppingExpectation struct {
	Count int
}

type BatchPosition struct {
	Index int
	Total int
}

// Metadata is one piece of typed side information attached to a Buffer.
// Only the field that matches Kind is meaningful.
type Metadata struct {
	Kind                MetaKind
	Timestamp           Timestamp
	Size                Size
	Tensor              Tensor
	CroppingExpectation CroppingExpectation
	BatchPosition       BatchPosition
}

func TimestampMeta(stage string, t time.Time) Metadata {
	return Metadata{Kind: MetaTimestamp, Timestamp: Timestamp{Stage: stage, Time: t}}
}

func SizeMeta(bytes int) Metadata {
	return Metadata{Kind: MetaSize, Size: Size{Bytes: bytes}}
}

func TensorMeta(t Tensor) Metadata {
	return Metadata{Kind: MetaTensor, Tensor: t}
}

func CroppingExpectationMeta(count int) Metadata {
	return Metadata{Kind: MetaCroppingExpectation, CroppingExpectation: CroppingExpectation{Count: count}}
}

func BatchPositionMeta(index, total int) Metadata {
	return Metadata{Kind: MetaBatchPosition, BatchPosition: BatchPosition{Index: index, Total: total}}
}

func (m Metadata) String() string {
	switch m.Kind {
	case MetaTimestamp:
		return fmt.Sprintf("Timestamp{%v %v}", m.Timestamp.Stage, m.Timestamp.Time.Format(time.RFC3339Nano))
	case MetaSize:
		return fmt.Sprintf("Size{%v}", m.Size.Bytes)
	case MetaTensor:
		return fmt.Sprintf("Tensor{%v, %v bytes}", m.Tensor.Name, len(m.Tensor.Data))
	case MetaCroppingExpectation:
		return fmt.Sprintf("CroppingExpectation{%v}", m.CroppingExpectation.Count)
	case MetaBatchPosition:
		return fmt.Sprintf("BatchPosition{%v/%v}", m.BatchPosition.Index, m.BatchPosition.Total)
	}
	return m.Kind.String()
}
