package pipeline

// Stage is a job's position in the state machine.
type Stage string

const (
	StageReceived     Stage = "received"
	StageDownloading  Stage = "downloading"
	StageRecognizing  Stage = "recognizing"
	StageNoTextFound  Stage = "no_text_found"
	StageClassifying  Stage = "classifying_language"
	StageSynthesizing Stage = "synthesizing"
	StageDelivering   Stage = "delivering"
	StageFailed       Stage = "failed"
	StageCleaned      Stage = "cleaned"
)

var transitions = map[Stage][]Stage{
	StageReceived:     {StageDownloading},
	StageDownloading:  {StageRecognizing},
	StageRecognizing:  {StageNoTextFound, StageClassifying},
	StageClassifying:  {StageSynthesizing},
	StageSynthesizing: {StageDelivering},
	StageDelivering:   {StageCleaned},
	StageNoTextFound:  {StageCleaned},
	StageFailed:       {StageCleaned},
}

// Terminal reports whether no further work happens in s besides cleanup.
func (s Stage) Terminal() bool {
	return s == StageCleaned || s == StageFailed || s == StageNoTextFound
}

// canTransition reports whether from -> to is a legal edge. Every
// non-terminal stage may move to Failed.
func canTransition(from, to Stage) bool {
	if to == StageFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome is how a job ended.
type Outcome string

const (
	OutcomePending Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeNoText  Outcome = "no_text"
	OutcomeFailed  Outcome = "failed"
)
