package llm

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"ensemble-ai/internal/domain"
)

// perMessageOverhead approximates the framing tokens each chat message adds
// on top of its content.
const perMessageOverhead = 4

// TiktokenCounter estimates token usage with a tiktoken encoding. It
// implements domain.TokenCounter for the context guard.
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
	logger   *slog.Logger
}

// NewTiktokenCounter creates a counter for the given encoding name
// (e.g. "cl100k_base"). An empty name selects cl100k_base.
func NewTiktokenCounter(encodingName string, logger *slog.Logger) (*TiktokenCounter, error) {
	if encodingName == "" {
		encodingName = "cl100k_base"
	}
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, domain.WrapOp("NewTiktokenCounter", err)
	}
	return &TiktokenCounter{encoding: enc, logger: logger}, nil
}

// Count returns the token count for a text fragment.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages estimates tokens for a full message list, including a small
// per-message framing overhead. Thought messages count as zero since they
// are filtered from every prompt.
func (c *TiktokenCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		if m.IsThought() {
			continue
		}
		total += perMessageOverhead
		total += c.Count(m.Content)
		for _, call := range m.ToolCalls {
			total += c.Count(call.Name)
			total += c.Count(string(call.Arguments))
		}
	}
	return total
}
