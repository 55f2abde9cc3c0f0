package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errNoCustomID = errors.New("line has no custom_id")

// openAILine is one line of an OpenAI batch output or error file.
type openAILine struct {
	CustomID string          `json:"custom_id"`
	Response *openAIResponse `json:"response"`
	Error    *openAIError    `json:"error"`
}

type openAIResponse struct {
	StatusCode int `json:"status_code"`
	Body       struct {
		Choices []struct {
			Message struct {
				Content *string `json:"content"`
				Refusal *string `json:"refusal"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Error *openAIError `json:"error"`
	} `json:"body"`
}

type openAIError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

func (e *openAIError) String() string {
	if e.Code == nil || e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%v: %s", e.Code, e.Message)
}

func decodeOpenAI(line []byte) (result, error) {
	var l openAILine
	if err := json.Unmarshal(line, &l); err != nil {
		return result{}, err
	}
	if l.CustomID == "" {
		return result{}, errNoCustomID
	}
	r := result{customID: l.CustomID}

	switch {
	case l.Error != nil:
		r.errMsg = l.Error.String()
	case l.Response == nil:
		r.errMsg = "result line has neither response nor error"
	case l.Response.Body.Error != nil:
		r.errMsg = fmt.Sprintf("status %d: %s", l.Response.StatusCode, l.Response.Body.Error)
	case l.Response.StatusCode != 200:
		r.errMsg = fmt.Sprintf("request failed with status %d", l.Response.StatusCode)
	case len(l.Response.Body.Choices) == 0:
		r.errMsg = "response has no choices"
	default:
		choice := l.Response.Body.Choices[0]
		switch {
		case choice.Message.Refusal != nil && *choice.Message.Refusal != "":
			r.errMsg = "model refused: " + *choice.Message.Refusal
		case choice.FinishReason == "content_filter":
			r.errMsg = "response blocked by content filter"
		case choice.Message.Content == nil:
			r.errMsg = "response has no content"
		default:
			r.content = *choice.Message.Content
			r.truncated = choice.FinishReason == "length"
		}
	}
	return r, nil
}

// anthropicLine is one line of an Anthropic message batch results file.
type anthropicLine struct {
	CustomID string `json:"custom_id"`
	Result   *struct {
		Type    string `json:"type"`
		Message *struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
		} `json:"message"`
		Error *anthropicError `json:"error"`
	} `json:"result"`
}

// anthropicError is either an error object or an error response envelope
// wrapping one.
type anthropicError struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Error   *anthropicError `json:"error"`
}

func (e *anthropicError) String() string {
	if e.Error != nil {
		return e.Error.String()
	}
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

func decodeAnthropic(line []byte) (result, error) {
	var l anthropicLine
	if err := json.Unmarshal(line, &l); err != nil {
		return result{}, err
	}
	if l.CustomID == "" {
		return result{}, errNoCustomID
	}
	if l.Result == nil {
		return result{}, errors.New("line has no result")
	}
	r := result{customID: l.CustomID}

	switch l.Result.Type {
	case "succeeded":
		if l.Result.Message == nil {
			r.errMsg = "succeeded result has no message"
			break
		}
		var b strings.Builder
		for _, c := range l.Result.Message.Content {
			if c.Type == "text" {
				b.WriteString(c.Text)
			}
		}
		r.content = b.String()
		r.truncated = l.Result.Message.StopReason == "max_tokens"
	case "errored":
		r.errMsg = "request errored"
		if l.Result.Error != nil {
			r.errMsg = l.Result.Error.String()
		}
	case "canceled":
		r.errMsg = "request canceled before processing"
	case "expired":
		r.errMsg = "request expired before processing"
	default:
		return result{}, fmt.Errorf("unknown result type %q", l.Result.Type)
	}
	return r, nil
}
