package models

type WorkItemInput struct {
	ID                string  `json:"id,omitempty"`
	Position          int     `json:"position"`
	ScriptText        string  `json:"script_text"`
	VisualDescription string  `json:"visual_description"`
	Duration          float64 `json:"duration,omitempty"`
	SourceImage       string  `json:"source_image,omitempty"`
}

type CreateSessionRequest struct {
	SessionID string             `json:"session_id" binding:"required"`
	Topic     string             `json:"topic,omitempty"`
	Settings  GenerationSettings `json:"settings"`
	Items     []WorkItemInput    `json:"items" binding:"required"`
}

type PreviewRequest struct {
	SessionID string             `json:"session_id,omitempty"`
	Settings  GenerationSettings `json:"settings"`
	Items     []WorkItemInput    `json:"items" binding:"required"`
}

type ResumeRequest struct {
	Topic    string              `json:"topic,omitempty"`
	Settings *GenerationSettings `json:"settings,omitempty"`
	Items    []WorkItemInput     `json:"items,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
