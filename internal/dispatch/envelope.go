// SPDX-License-Identifier: MIT

// Package dispatch consumes command envelopes off the control-plane bus and
// turns them into registry operations on a bounded worker pool (spec.md
// §4.6), one per-command correlation id logged via google/uuid the way
// ManuGH-xg2g tags its own inbound requests.
package dispatch

import (
	"strings"

	"github.com/relaycast/agent/internal/streamtype"
)

// SourceConfig is one entry of a START/UPDATE command's video_files list.
type SourceConfig struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// StreamConfig is the `config` object of a START_STREAM/UPDATE_STREAM
// envelope (spec.md §6).
type StreamConfig struct {
	ID                 int64          `json:"id"`
	VideoFiles         []SourceConfig `json:"video_files"`
	RTMPURL            string         `json:"rtmp_url"`
	StreamKey          string         `json:"stream_key"`
	Loop               bool           `json:"loop"`
	PlaybackOrder      string         `json:"playback_order"`
	KeepFilesAfterStop bool           `json:"keep_files_after_stop"`
	EncoderMode        string         `json:"encoder_mode"`
	Preset             string         `json:"preset"`
	CRF                int            `json:"crf"`
	MaxRate            string         `json:"maxrate"`
	ABR                string         `json:"abr"`
	GOP                int            `json:"gop"`
}

// CommandEnvelope is the tagged record every inbound command arrives as
// (spec.md §6): tag field `command`, payload fields vary by tag. Unknown
// fields are ignored by encoding/json's default decode behavior.
type CommandEnvelope struct {
	Command  string        `json:"command"`
	StreamID int64         `json:"stream_id,omitempty"`
	Force    bool          `json:"force,omitempty"`
	Config   *StreamConfig `json:"config,omitempty"`
}

// resolveStreamID prefers config.id over the envelope root (spec.md §6).
func (e CommandEnvelope) resolveStreamID() (streamtype.StreamID, bool) {
	if e.Config != nil && e.Config.ID != 0 {
		return streamtype.StreamID(e.Config.ID), true
	}
	if e.StreamID != 0 {
		return streamtype.StreamID(e.StreamID), true
	}
	return 0, false
}

// toSpec converts a command's config object into the internal StreamSpec
// the registry and stream manager operate on.
func (c *StreamConfig) toSpec() streamtype.StreamSpec {
	sources := make([]streamtype.SourceRef, len(c.VideoFiles))
	for i, f := range c.VideoFiles {
		sources[i] = streamtype.SourceRef{URL: f.URL, Path: f.Path}
	}

	order := streamtype.PlaybackSequential
	if c.PlaybackOrder == string(streamtype.PlaybackRandom) {
		order = streamtype.PlaybackRandom
	}

	mode := streamtype.EncoderModeCopy
	if c.EncoderMode == string(streamtype.EncoderModeReencode) {
		mode = streamtype.EncoderModeReencode
	}

	return streamtype.StreamSpec{
		ID:                 streamtype.StreamID(c.ID),
		Sources:            sources,
		Destination:        joinRTMP(c.RTMPURL, c.StreamKey),
		Loop:               c.Loop,
		PlaybackOrder:      order,
		KeepFilesAfterStop: c.KeepFilesAfterStop,
		EncoderMode:        mode,
		Tuning: streamtype.EncoderTuning{
			Preset:  c.Preset,
			CRF:     c.CRF,
			MaxRate: c.MaxRate,
			ABR:     c.ABR,
			GOP:     c.GOP,
		},
	}
}

// joinRTMP combines an rtmp base URL and a stream key the way the teacher's
// destination strings are assembled, tolerating a trailing slash on base.
func joinRTMP(base, key string) string {
	base = strings.TrimSuffix(base, "/")
	if key == "" {
		return base
	}
	return base + "/" + key
}
