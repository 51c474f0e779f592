package model

// BasicResponse is the JSON envelope every API endpoint returns.
type BasicResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Success builds a successful envelope.
func Success(msg string) BasicResponse {
	return BasicResponse{Success: true, Message: msg}
}

// Error builds a failed envelope.
func Error(msg string) BasicResponse {
	return BasicResponse{Success: false, Message: msg}
}
