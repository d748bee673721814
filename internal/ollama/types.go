package ollama

import "github.com/ollama/ollama/api"

// The wire types are the model server's own. Durations in a ChatResponse
// are nanoseconds and only set on the final (Done) line.
type (
	Message      = api.Message
	ImageData    = api.ImageData
	ChatRequest  = api.ChatRequest
	ChatResponse = api.ChatResponse
	ModelInfo    = api.ListModelResponse
)

// Images converts raw image bytes to the transcript representation.
func Images(raw [][]byte) []ImageData {
	if len(raw) == 0 {
		return nil
	}
	out := make([]ImageData, len(raw))
	for i, b := range raw {
		out[i] = b
	}
	return out
}
