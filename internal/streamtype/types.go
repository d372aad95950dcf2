// SPDX-License-Identifier: MIT

// Package streamtype holds the value types shared by the staging, encoder,
// stream-manager and reporter packages. It exists to keep those packages
// free of import cycles: each depends on streamtype, never on each other's
// concrete types.
package streamtype

import "time"

// StreamID is assigned by the control plane and unique within one host at
// any instant.
type StreamID int64

// PlaybackOrder controls the order sources are fed to the encoder.
type PlaybackOrder string

const (
	PlaybackSequential PlaybackOrder = "sequential"
	PlaybackRandom     PlaybackOrder = "random"
)

// EncoderMode selects the ffmpeg codec strategy.
type EncoderMode string

const (
	EncoderModeCopy     EncoderMode = "copy"
	EncoderModeReencode EncoderMode = "reencode"
)

// SourceRef is one source video: either a remote URL to stage, or a local
// path already present on disk.
type SourceRef struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// IsRemote reports whether this source must be downloaded.
func (s SourceRef) IsRemote() bool { return s.URL != "" }

// EncoderTuning carries the re-encode knobs; ignored in copy mode.
type EncoderTuning struct {
	Preset  string // e.g. "fast"
	CRF     int    // e.g. 23
	MaxRate string // e.g. "3000k"
	ABR     string // e.g. "128k"
	GOP     int    // e.g. 60
}

// StreamSpec is immutable for the duration of one start; UPDATE_STREAM
// replaces it atomically once the new sources have staged and validated.
type StreamSpec struct {
	ID                  StreamID
	Sources             []SourceRef
	Destination         string // rtmp://host/app/key, never logged in full
	Loop                bool
	PlaybackOrder       PlaybackOrder
	KeepFilesAfterStop  bool
	EncoderMode         EncoderMode
	Tuning              EncoderTuning
}

// RedactedDestination returns the destination with the stream key (the path
// component after the last slash) replaced, safe to log.
func (s StreamSpec) RedactedDestination() string {
	return RedactRTMP(s.Destination)
}

// RedactRTMP replaces the final path segment of an rtmp:// URL — where the
// stream key conventionally lives — with "***".
func RedactRTMP(dest string) string {
	if dest == "" {
		return ""
	}
	idx := -1
	for i := len(dest) - 1; i >= 0; i-- {
		if dest[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(dest)-1 {
		return dest
	}
	return dest[:idx+1] + "***"
}

// StagedMedia is produced by the File Stager for one stream.
type StagedMedia struct {
	LocalFiles   []string
	PlaylistPath string // empty unless len(LocalFiles) > 1
	CreatedAt    time.Time
	LastTouched  time.Time
}

// StreamState is the per-stream lifecycle state (spec.md §4.5).
type StreamState string

const (
	StateDownloading StreamState = "DOWNLOADING"
	StateStarting    StreamState = "STARTING"
	StateStreaming   StreamState = "STREAMING"
	StateRestarting  StreamState = "RESTARTING"
	StateUpdating    StreamState = "UPDATING"
	StateStopping    StreamState = "STOPPING"
	StateError       StreamState = "ERROR"
)

// Active reports whether a stream in this state counts toward the
// heartbeat's active-stream set (invariant 3).
func (s StreamState) Active() bool {
	switch s {
	case StateStarting, StateDownloading, StateStreaming, StateRestarting, StateUpdating:
		return true
	default:
		return false
	}
}

// StopIntent records why a child is being signalled, written before the
// signal is sent so the exit classifier can tell "we asked for this" from
// "it died" (spec.md §4.4 priority order, invariant 2).
type StopIntent string

const (
	StopNone     StopIntent = ""
	StopUser     StopIntent = "user"
	StopUpdate   StopIntent = "update"
	StopShutdown StopIntent = "shutdown"
	StopFatal    StopIntent = "fatal"
)

// ErrorKind classifies a recognized stderr pattern or exit condition.
type ErrorKind string

const (
	ErrDTSDiscontinuity ErrorKind = "DTS_DISCONTINUITY"
	ErrPTSDiscontinuity ErrorKind = "PTS_DISCONTINUITY"
	ErrFileNotFound     ErrorKind = "FILE_NOT_FOUND"
	ErrPermission       ErrorKind = "PERMISSION"
	ErrConnRefused      ErrorKind = "CONN_REFUSED"
	ErrConnTimeout      ErrorKind = "CONN_TIMEOUT"
	ErrCorrupt          ErrorKind = "CORRUPT"
	ErrOOM              ErrorKind = "OOM"
	ErrRTMP             ErrorKind = "RTMP"
	ErrUnknown          ErrorKind = "UNKNOWN"
)

// Fatal reports whether this kind is in the FATAL set (no auto-restart).
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrFileNotFound, ErrPermission, ErrCorrupt, ErrOOM:
		return true
	default:
		return false
	}
}

// ExitKind is the pure classification of a reaped child (spec.md §4.4).
type ExitKind string

const (
	ExitNormal       ExitKind = "NormalExit"
	ExitUserStop     ExitKind = "UserStop"
	ExitSystemStop   ExitKind = "SystemStop"
	ExitUpdating     ExitKind = "Updating"
	ExitFatalStop    ExitKind = "FatalStop"
	ExitExternalKill ExitKind = "ExternalKill"
	ExitCrash        ExitKind = "Crash"
)

// ClassifiedError is attached to a StreamRecord after a terminal exit.
type ClassifiedError struct {
	Exit      ExitKind
	Kind      ErrorKind // dominant ErrorKind for Crash/ExternalKill, else ErrUnknown
	Message   string
	StderrTail []string
	Occurred  time.Time
}

// HostSnapshot is one host-wide resource sample (C8).
type HostSnapshot struct {
	CPUPercent    float64
	RAMPercent    float64
	DiskPercent   float64
	NetRxBytes    uint64
	NetTxBytes    uint64
	ActiveStreams int
	Timestamp     time.Time
}
