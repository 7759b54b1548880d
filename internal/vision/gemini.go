// Package vision asks Gemini to judge dispute photo evidence.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"marketplace-service/internal/entity"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

const maxImageBytes = 8 << 20

var ErrNoVerdict = errors.New("vision model returned no verdict")

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// GeminiClient calls the generateContent REST endpoint.
type GeminiClient struct {
	BaseURL    string
	Model      string
	apiKey     string
	httpClient *http.Client
}

func NewGeminiClient(baseURL, model, apiKey string) *GeminiClient {
	return &GeminiClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Model:      model,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Analyze downloads the image and asks the model for a verdict following
// instructions.
func (c *GeminiClient) Analyze(ctx context.Context, imageURL, instructions string) (*entity.Judgment, error) {
	image, mimeType, err := c.fetchImage(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{
		{Text: instructions},
		{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
	}}}})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.BaseURL, c.Model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, ErrNoVerdict
	}

	var text strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return ParseJudgment(text.String())
}

func (c *GeminiClient) fetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch evidence %s: status %d", imageURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", err
	}

	mimeType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

var (
	jsonObject   = regexp.MustCompile(`(?s)\{.*\}`)
	validField   = regexp.MustCompile(`(?i)"?(valid|is_valid)"?\s*[:=]\s*(true|false)`)
	confidenceRe = regexp.MustCompile(`(?i)"?confidence"?\s*[:=]\s*([0-9]*\.?[0-9]+)`)
)

// ParseJudgment reads the model's reply. It prefers the first JSON object in
// the text and falls back to picking out the fields one by one.
func ParseJudgment(text string) (*entity.Judgment, error) {
	if obj := jsonObject.FindString(text); obj != "" {
		var j struct {
			Valid      *bool   `json:"valid"`
			Confidence float64 `json:"confidence"`
			Reason     string  `json:"reason"`
		}
		if err := json.Unmarshal([]byte(obj), &j); err == nil && j.Valid != nil {
			return &entity.Judgment{Valid: *j.Valid, Confidence: clamp(j.Confidence), Reason: j.Reason}, nil
		}
	}

	m := validField.FindStringSubmatch(text)
	if m == nil {
		logger.Warn().Msgf("Unparseable vision reply: %q", text)
		return nil, ErrNoVerdict
	}
	j := &entity.Judgment{Valid: strings.EqualFold(m[2], "true"), Reason: strings.TrimSpace(text)}
	if c := confidenceRe.FindStringSubmatch(text); c != nil {
		if f, err := strconv.ParseFloat(c[1], 64); err == nil {
			j.Confidence = clamp(f)
		}
	}
	return j, nil
}

func clamp(f float64) float64 {
	switch {
	case f > 1 && f <= 100:
		return f / 100
	case f > 100:
		return 1
	case f < 0:
		return 0
	}
	return f
}
