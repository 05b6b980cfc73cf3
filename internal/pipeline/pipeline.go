// Package pipeline defines the domain model shared by every other package:
// the fixed stage table, the batch/document/stage status enums, and the
// persisted entities they describe.
package pipeline

// Stage identifies one fixed, ordered phase of document processing.
type Stage string

// The pipeline stages in execution order.
const (
	StageReceived   Stage = "received"
	StageUpload     Stage = "upload"
	StageDetection  Stage = "detection"
	StageExtraction Stage = "extraction"
	StageMapping    Stage = "mapping"
	StageReview     Stage = "review"
	StageCompletion Stage = "completion"
)

// stageInfo carries the static order and weight of one stage.
type stageInfo struct {
	order  int
	weight int
}

// stageTable fixes each stage's position and progress weight. Weights
// reflect expected relative duration and sum to 100.
var stageTable = map[Stage]stageInfo{
	StageReceived:   {order: 0, weight: 5},
	StageUpload:     {order: 1, weight: 10},
	StageDetection:  {order: 2, weight: 10},
	StageExtraction: {order: 3, weight: 40},
	StageMapping:    {order: 4, weight: 20},
	StageReview:     {order: 5, weight: 10},
	StageCompletion: {order: 6, weight: 5},
}

var stageOrder = []Stage{
	StageReceived,
	StageUpload,
	StageDetection,
	StageExtraction,
	StageMapping,
	StageReview,
	StageCompletion,
}

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ParseStage validates a stage name received from an external caller.
func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if !stage.Valid() {
		return "", &ValidationError{Field: "stage", Reason: "unknown stage " + s}
	}
	return stage, nil
}

// Order returns the stage's position in the pipeline, starting at 0.
func (s Stage) Order() int {
	return stageTable[s].order
}

// Weight returns the stage's static progress weight.
func (s Stage) Weight() int {
	return stageTable[s].weight
}

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	_, ok := stageTable[s]
	return ok
}

// TotalWeight returns the sum of all stage weights.
func TotalWeight() int {
	total := 0
	for _, info := range stageTable {
		total += info.weight
	}
	return total
}

// FirstStage is auto-completed the moment a document enters the pipeline.
func FirstStage() Stage {
	return stageOrder[0]
}

// FinalStage is completed by the tracker once every other stage is terminal.
func FinalStage() Stage {
	return stageOrder[len(stageOrder)-1]
}
