package model

// Answer is the current response for one question. Free-text questions use
// Value, enumerated ones use Selection.
type Answer struct {
	QuestionNumber int    `json:"question_number"`
	Value          string `json:"value,omitempty"`
	Selection      string `json:"selection,omitempty"`
}

// Empty reports whether the student has not answered yet.
func (a Answer) Empty() bool {
	return a.Value == "" && a.Selection == ""
}

// SetAnswerRequest is the REST/WS payload for writing a single answer.
type SetAnswerRequest struct {
	QuestionNumber int    `json:"question_number" binding:"required,min=1"`
	Value          string `json:"value" binding:"max=10000"`
	Selection      string `json:"selection" binding:"max=64"`
}

// VolumeRequest updates the persisted playback volume.
type VolumeRequest struct {
	Level float64 `json:"level" binding:"min=0,max=1"`
	Muted bool    `json:"muted"`
}
