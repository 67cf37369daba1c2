package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

const maxExcerptChars = 2000

const systemPrompt = `You match incoming invoice emails to a directory of known vendors. ` +
	`Reply with a single JSON object and nothing else: ` +
	`{"vendor_name": "<name copied exactly from the candidate list, or an empty string if none apply>", "confidence": <integer 0-100>}`

// Inference is the model's structured verdict.
type Inference struct {
	VendorName string
	Confidence int
}

// UnmarshalJSON tolerates the reply shapes models actually produce:
// confidence as integer, float, or on a 0-1 scale despite the instruction.
func (inf *Inference) UnmarshalJSON(data []byte) error {
	var raw struct {
		VendorName string      `json:"vendor_name"`
		Confidence json.Number `json:"confidence"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	inf.VendorName = strings.TrimSpace(raw.VendorName)
	inf.Confidence = 0

	if raw.Confidence != "" {
		f, err := raw.Confidence.Float64()
		if err != nil {
			return fmt.Errorf("confidence %q is not numeric", raw.Confidence)
		}
		if f > 0 && f <= 1 {
			f *= 100
		}
		switch {
		case f < 0:
			f = 0
		case f > 100:
			f = 100
		}
		inf.Confidence = int(math.Round(f))
	}
	return nil
}

// buildPrompt renders the user message: sender, subject, a bounded excerpt of
// the document text, and the candidate list the model must pick from.
func buildPrompt(sender, subject, text string, shortlist []string) string {
	var b strings.Builder
	b.WriteString("Email sender: ")
	b.WriteString(sender)
	b.WriteString("\nSubject: ")
	b.WriteString(subject)
	b.WriteString("\n")

	if text != "" {
		excerpt := text
		if len(excerpt) > maxExcerptChars {
			excerpt = excerpt[:maxExcerptChars]
		}
		b.WriteString("\nDocument text:\n")
		b.WriteString(excerpt)
		b.WriteString("\n")
	}

	b.WriteString("\nCandidate vendors:\n")
	for _, name := range shortlist {
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteString("\n")
	}
	b.WriteString("\nWhich candidate issued this invoice?")
	return b.String()
}

// parseInference extracts the JSON verdict from a model reply, tolerating
// markdown fences and surrounding prose.
func parseInference(raw string) (*Inference, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in model reply")
	}

	var inf Inference
	if err := json.Unmarshal([]byte(raw[start:end+1]), &inf); err != nil {
		return nil, fmt.Errorf("decode model reply: %w", err)
	}
	return &inf, nil
}
