package proxy

import "encoding/json"

// TokenUsage is usage accounting opportunistically extracted from an
// upstream's response body, for the RequestLog's token fields.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ToolCallInfo is one tool/function invocation surfaced in an upstream
// response, for the RequestLog's audit trail of agentic traffic.
type ToolCallInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // "function", "tool_use", etc.
	ID   string `json:"id"`
}

// ExtractTokenUsage extracts token usage from an upstream response body.
// Supports the OpenAI, Anthropic, and Ollama usage-block shapes; returns nil
// when none match.
func ExtractTokenUsage(body []byte) *TokenUsage {
	if len(body) == 0 {
		return nil
	}

	var openaiResp struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(body, &openaiResp) == nil && openaiResp.Usage.TotalTokens > 0 {
		return &TokenUsage{
			PromptTokens:     openaiResp.Usage.PromptTokens,
			CompletionTokens: openaiResp.Usage.CompletionTokens,
			TotalTokens:      openaiResp.Usage.TotalTokens,
		}
	}

	var anthropicResp struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(body, &anthropicResp) == nil {
		if anthropicResp.Usage.InputTokens > 0 || anthropicResp.Usage.OutputTokens > 0 {
			return &TokenUsage{
				PromptTokens:     anthropicResp.Usage.InputTokens,
				CompletionTokens: anthropicResp.Usage.OutputTokens,
				TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
			}
		}
	}

	var ollamaResp struct {
		PromptEvalCount int64 `json:"prompt_eval_count"`
		EvalCount       int64 `json:"eval_count"`
	}
	if json.Unmarshal(body, &ollamaResp) == nil {
		if ollamaResp.PromptEvalCount > 0 || ollamaResp.EvalCount > 0 {
			return &TokenUsage{
				PromptTokens:     ollamaResp.PromptEvalCount,
				CompletionTokens: ollamaResp.EvalCount,
				TotalTokens:      ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
			}
		}
	}

	return nil
}

// ExtractToolCallsFromResponse extracts tool calls an upstream's response
// requested: OpenAI's choices[].message.tool_calls and Anthropic's
// content[].type=tool_use blocks.
func ExtractToolCallsFromResponse(body []byte) []ToolCallInfo {
	if len(body) == 0 {
		return nil
	}

	var result []ToolCallInfo

	var openaiResp struct {
		Choices []struct {
			Message struct {
				ToolCalls []struct {
					ID       string `json:"id"`
					Type     string `json:"type"`
					Function struct {
						Name string `json:"name"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if json.Unmarshal(body, &openaiResp) == nil {
		for _, choice := range openaiResp.Choices {
			for _, tc := range choice.Message.ToolCalls {
				if tc.Function.Name != "" {
					result = append(result, ToolCallInfo{Name: tc.Function.Name, Type: tc.Type, ID: tc.ID})
				}
			}
		}
		if len(result) > 0 {
			return result
		}
	}

	var anthropicResp struct {
		Content []struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content"`
	}
	if json.Unmarshal(body, &anthropicResp) == nil {
		for _, block := range anthropicResp.Content {
			if block.Type == "tool_use" && block.Name != "" {
				result = append(result, ToolCallInfo{Name: block.Name, Type: "tool_use", ID: block.ID})
			}
		}
	}

	return result
}
