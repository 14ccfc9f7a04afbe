// Package tokens estimates token counts with tiktoken for providers
// that report no usage figures of their own. Estimates feed the audit
// log only; wire responses carry whatever the provider reported.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/modelgate/modelgate/internal/domain"
)

// Estimates use cl100k_base throughout. The exact encoding matters
// little for audit purposes and the providers needing estimation do not
// publish their tokenizers.
var codecOnce = sync.OnceValues(func() (tokenizer.Codec, error) {
	return tokenizer.Get(tokenizer.Cl100kBase)
})

// Overhead applied per chat message, matching the published chat-format
// accounting for cl100k models: 3 per message plus 1 for the role.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	assistantPriming = 3
)

// EstimateText returns the token count of a plain text string, or 0 if
// the tokenizer is unavailable.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	codec, err := codecOnce()
	if err != nil {
		return 0
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

// EstimateMessages returns the estimated prompt token count for a chat
// message sequence, including per-message framing overhead.
func EstimateMessages(messages []domain.ChatMessage) int {
	if len(messages) == 0 {
		return 0
	}
	total := assistantPriming
	for _, msg := range messages {
		total += tokensPerMessage + tokensPerRole
		total += EstimateText(msg.Content)
	}
	return total
}
