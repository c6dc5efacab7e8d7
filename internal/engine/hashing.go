package engine

import (
	"crypto/sha256"
	"encoding/hex"

	"opd/internal/model"
)

// hashTuple fixes, per AI stage, which document feeds it, where its memo
// lives and what it produces.
type hashTuple struct {
	Input  model.DocField
	Hash   model.HashField
	Output model.DocField
}

var stageHashTuples = map[model.StoryStatus]hashTuple{
	model.StatusPlanning:  {Input: model.DocConfirmedPRD, Hash: model.HashPlanning, Output: model.DocTechnicalDesign},
	model.StatusDesigning: {Input: model.DocTechnicalDesign, Hash: model.HashDesigning, Output: model.DocDetailedDesign},
	model.StatusCoding:    {Input: model.DocDetailedDesign, Hash: model.HashCoding, Output: model.DocCodingReport},
}

// InputHash is the SHA-256 hex digest of resolved stage input content.
func InputHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ShouldSkipAI reports whether a stage can reuse its previous output: the
// output exists, a memo was recorded, and the input has not changed since.
func ShouldSkipAI(story *model.Story, stage model.StoryStatus, resolvedInput string) bool {
	tuple, ok := stageHashTuples[stage]
	if !ok {
		return false
	}
	if tuple.Output.Get(story) == "" {
		return false
	}
	stored := tuple.Hash.Get(story)
	if stored == "" {
		return false
	}
	return stored == InputHash(resolvedInput)
}

// RecordInputHash memoizes the input hash consumed by a completed stage.
func RecordInputHash(story *model.Story, stage model.StoryStatus, resolvedInput string) {
	if tuple, ok := stageHashTuples[stage]; ok {
		tuple.Hash.Set(story, InputHash(resolvedInput))
	}
}
