package model

// PipelineInfo is the externally visible state of a media pipeline
type PipelineInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Substream string `json:"substream"`
	Running   bool   `json:"running"`
	Restarts  uint64 `json:"restarts"`
	Frames    uint64 `json:"frames"`
	Truncated uint64 `json:"truncated"`
	Error     string `json:"error,omitempty"`
}
