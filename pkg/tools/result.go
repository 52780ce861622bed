package tools

// ToolResult is what a tool hands back to the agent loop. Tools never
// return Go errors to the loop; failures are text the model can relay.
type ToolResult struct {
	// ForLLM is folded into the conversation as the tool-result message.
	ForLLM  string
	IsError bool
	// Err keeps the underlying cause for logging only.
	Err error
}

func NewToolResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, IsError: true}
}

func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	return r
}
