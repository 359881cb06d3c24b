// SPDX-License-Identifier: MIT

// Package jobs runs background dubbing jobs: a fixed stage pipeline with
// per-stage input/output contracts, a cancellable state machine, and an
// atomically written job report.
package jobs

import (
	"fmt"
	"sort"
	"strings"
)

// Pipeline stages, in execution order.
const (
	StagePreprocess    = "stage1_preprocess"
	StageDiarize       = "stage2_diarize"
	StageEmotion       = "stage3_emotion"
	StageSegmentDetect = "stage4_segment_detect"
	StageTranslate     = "stage5_translate"
	StageTTS           = "stage6_tts"
	StageWorld         = "stage7_world"
	StageReconstruct   = "stage8_reconstruct"
	StageLipsync       = "stage9_lipsync"
)

// StageOrder is the canonical pipeline order.
var StageOrder = []string{
	StagePreprocess,
	StageDiarize,
	StageEmotion,
	StageSegmentDetect,
	StageTranslate,
	StageTTS,
	StageWorld,
	StageReconstruct,
	StageLipsync,
}

// stageInputs lists the job-context keys a stage requires before it runs.
var stageInputs = map[string][]string{
	StagePreprocess:    {"source_path", "target_language", "voice_map"},
	StageDiarize:       {"vocals", "segments"},
	StageEmotion:       {"vocals", "segments"},
	StageSegmentDetect: {"vocals", "segments"},
	StageTranslate:     {"segments", "target_language"},
	StageTTS:           {"segments", "vocals"},
	StageWorld:         {"segments", "tts_segments", "vocals"},
	StageReconstruct:   {"segments", "world_segments", "audio_raw", "no_vocals", "source_path"},
	StageLipsync:       {"dubbed_video_raw"},
}

// stageOutputs lists the keys a stage must have produced after it returns.
var stageOutputs = map[string][]string{
	StagePreprocess:    {"audio_raw", "vocals", "no_vocals", "language", "segments"},
	StageDiarize:       {"segments"},
	StageEmotion:       {"segments"},
	StageSegmentDetect: {"segments"},
	StageTranslate:     {"segments"},
	StageTTS:           {"tts_segments"},
	StageWorld:         {"world_segments"},
	StageReconstruct:   {"dubbed_audio", "dubbed_video_raw"},
	StageLipsync:       {"dubbed_video_final"},
}

// Contract validation phases.
const (
	contractBefore = "before"
	contractAfter  = "after"
)

// StageInputs returns a copy of the required input keys for a stage.
func StageInputs(stage string) []string {
	return append([]string(nil), stageInputs[stage]...)
}

// StageOutputs returns a copy of the produced output keys for a stage.
func StageOutputs(stage string) []string {
	return append([]string(nil), stageOutputs[stage]...)
}

// validateStageContract checks that every required key is present and
// non-nil in the job context. Missing keys abort the job.
func validateStageContract(stage, when string, required []string, data map[string]any) error {
	var missing []string
	for _, key := range required {
		value, ok := data[key]
		if !ok || value == nil {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("stage_contract_violation:%s:%s:missing=%s", stage, when, strings.Join(missing, ","))
}
