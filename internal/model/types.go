package model

import "time"

// TaskStatus is the lifecycle state of a task row (spec §3).
type TaskStatus int16

const (
	TaskAvailable TaskStatus = iota
	TaskInProcess
	TaskProcessed
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskAvailable:
		return "AVAILABLE"
	case TaskInProcess:
		return "IN_PROCESS"
	case TaskProcessed:
		return "PROCESSED"
	case TaskFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// WorkerStatus is the lifecycle state of a worker record (spec §3).
type WorkerStatus int16

const (
	WorkerActive WorkerStatus = iota
	WorkerRestarting
	WorkerShouldShutdown
	WorkerShutdown
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerActive:
		return "ACTIVE"
	case WorkerRestarting:
		return "RESTARTING"
	case WorkerShouldShutdown:
		return "SHOULD_SHUTDOWN"
	case WorkerShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode classifies an error-log entry (spec §3).
type ErrorCode int16

const (
	ErrUnknownParse ErrorCode = iota
	ErrOOM
	ErrTimeout
	ErrUnreachableFetch
	ErrUnreachableEmit
	ErrSecurity
)

func (c ErrorCode) String() string {
	switch c {
	case ErrUnknownParse:
		return "UNKNOWN_PARSE"
	case ErrOOM:
		return "OOM"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrUnreachableFetch:
		return "UNREACHABLE_FETCH"
	case ErrUnreachableEmit:
		return "UNREACHABLE_EMIT"
	case ErrSecurity:
		return "SECURITY"
	default:
		return "UNKNOWN"
	}
}

// ParseExceptionPolicy governs what the worker does when the parser
// raises on a given tuple (spec §3, §4.6).
type ParseExceptionPolicy string

const (
	PolicySkip      ParseExceptionPolicy = "SKIP"
	PolicyEmitEmpty ParseExceptionPolicy = "EMIT_EMPTY"
)

// FetchKey addresses a source document via an opaque fetcher id + key.
type FetchKey struct {
	FetcherID string `json:"fetcherId"`
	Key       string `json:"key"`
}

// EmitKey addresses a destination via an opaque emitter id + key.
type EmitKey struct {
	EmitterID string `json:"emitterId"`
	Key       string `json:"key"`
}

// FetchEmitTuple is the unit of work a producer submits (spec §3).
// The core never interprets any field except EmitKey.EmitterID (used
// to group emissions) and OnParseException.
type FetchEmitTuple struct {
	FetchKey         FetchKey             `json:"fetchKey"`
	EmitKey          EmitKey              `json:"emitKey"`
	Metadata         map[string]string    `json:"metadata,omitempty"`
	OnParseException ParseExceptionPolicy `json:"onParseException"`
}

// Task is one row of the durable task table (spec §3).
type Task struct {
	TaskID    int64
	Status    TaskStatus
	WorkerID  int64
	Retry     int32
	Timestamp time.Time
	JSON      string // serialized FetchEmitTuple
}

// WorkerRecord is one row of the worker registry (spec §3).
type WorkerRecord struct {
	WorkerID int64
	Status   WorkerStatus
}

// ErrorLogEntry is one append-only row of the error log (spec §3).
type ErrorLogEntry struct {
	TaskID    int64
	FetchKey  string // encoded "fetcherId:key" for storage/inspection
	Timestamp time.Time
	Retry     int32
	ErrorCode ErrorCode
}

// EmitPayloadStatus is the lifecycle state of an emit payload row (spec §3).
type EmitPayloadStatus int16

const (
	EmitReady EmitPayloadStatus = iota
	EmitEmitting
	EmitDone
)

func (s EmitPayloadStatus) String() string {
	switch s {
	case EmitReady:
		return "READY"
	case EmitEmitting:
		return "EMITTING"
	case EmitDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// EmitPayload is one row of the emit payload table (spec §3). Bytes
// holds a compressed, serialized (EmitKey, []MetadataRecord) pair;
// UncompressedSize records the pre-compression length so the consumer
// can size its decode buffer without guessing.
type EmitPayload struct {
	EmitID           int64
	Status           EmitPayloadStatus
	WorkerID         int64
	Timestamp        time.Time
	UncompressedSize int64
	Bytes            []byte
}

// MetadataRecord is one parsed-document record produced by the content
// parser (spec §6 parser contract: parse(stream, metadata) -> []metadata).
// The core never interprets its fields beyond carrying them to the emitter.
type MetadataRecord map[string]interface{}

// EmitGroup is the decoded payload grouped by emitter for one emit
// batch: the pair (EmitKey, []MetadataRecord) from spec §4.7.
type EmitGroup struct {
	EmitKey  EmitKey
	Metadata []MetadataRecord
}
