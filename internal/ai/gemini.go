package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FallbackReply is returned when the model answers with no usable candidate
// (safety block, empty content). It is a normal reply, not an error.
const FallbackReply = "I'm having a little trouble thinking right now. Could you please try again?"

// geminiAck is the canned model turn that follows the system instruction in
// every outbound payload, locking the persona in before the real history.
const geminiAck = "Understood. I will adhere to all instructions."

type GeminiProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenReq struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
}

type geminiGenResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewGeminiProvider(baseURL, apiKey, model string) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *GeminiProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.Client == nil {
		return "", errors.New("gemini: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return "", fmt.Errorf("gemini: %w", ErrNoCredential)
	}

	reqBody := geminiGenReq{
		Contents: buildGeminiContents(messages),
		GenerationConfig: geminiGenConfig{
			Temperature:     0.7,
			MaxOutputTokens: 2048,
			TopP:            0.95,
			TopK:            40,
		},
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(p.BaseURL, "/"), p.Model, p.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", &UpstreamError{Provider: "gemini", Status: resp.StatusCode, Body: msg}
	}

	var decoded geminiGenResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", &UpstreamError{Provider: "gemini", Status: resp.StatusCode, Body: decoded.Error.Message}
	}
	if len(decoded.Candidates) == 0 ||
		len(decoded.Candidates[0].Content.Parts) == 0 ||
		decoded.Candidates[0].Content.Parts[0].Text == "" {
		// Safety block or empty candidate. The caller gets a polite reply
		// rather than a raw error.
		return FallbackReply, nil
	}
	return decoded.Candidates[0].Content.Parts[0].Text, nil
}

// buildGeminiContents translates transcript turns into the generateContent
// shape. A leading system message becomes a user-role instruction turn plus
// a canned model acknowledgment, the way the API expects persona context to
// be delivered without native system roles.
func buildGeminiContents(messages []Message) []geminiContent {
	contents := make([]geminiContent, 0, len(messages)+1)
	for _, m := range messages {
		switch m.Role {
		case "system":
			contents = append(contents,
				geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}},
				geminiContent{Role: "model", Parts: []geminiPart{{Text: geminiAck}}},
			)
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: orSpace(m.Content)}}})
		default:
			parts := []geminiPart{{Text: orSpace(m.Content)}}
			for _, img := range m.Images {
				mimeType, data, ok := splitDataURL(img)
				if !ok {
					continue
				}
				parts = append(parts, geminiPart{InlineData: &geminiInlineData{
					MimeType: mimeType,
					Data:     data,
				}})
			}
			contents = append(contents, geminiContent{Role: "user", Parts: parts})
		}
	}
	return contents
}

// orSpace keeps image-only turns valid; the API rejects empty text parts.
func orSpace(s string) string {
	if s == "" {
		return " "
	}
	return s
}
