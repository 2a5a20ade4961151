package types

// Step labels written to Job.CurrentStep.
const (
	StepQueued       = "queued"
	StepSplitting    = "splitting"
	StepTranscribing = "transcribing"
	StepDetecting    = "detecting competitors"
	StepAnalyzing    = "analyzing sentiment"
	StepCompleted    = "completed"
	StepFailed       = "failed"
)

// Progress weights per stage, in percent of the whole job.
const (
	ProgressSplit           = 5
	ProgressTranscribeStart = 10
	ProgressTranscribeEnd   = 40
	ProgressDetectStart     = 50
	ProgressAnalyzeStart    = 60
	ProgressAnalyzeEnd      = 95
	ProgressDone            = 100
)

// TranscriptionProgress maps finished channels (0..2) into the transcription band.
func TranscriptionProgress(channelsDone int) int {
	if channelsDone > 2 {
		channelsDone = 2
	}
	return ProgressTranscribeStart + channelsDone*(ProgressTranscribeEnd-ProgressTranscribeStart)/2
}

// SentimentProgress maps completed/total competitors into the sentiment band.
func SentimentProgress(completed, total int) int {
	if total <= 0 || completed >= total {
		return ProgressAnalyzeEnd
	}
	if completed < 0 {
		completed = 0
	}
	return ProgressAnalyzeStart + completed*(ProgressAnalyzeEnd-ProgressAnalyzeStart)/total
}
