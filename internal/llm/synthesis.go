package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/fusion"
	"github.com/podcast-rag/backend/internal/retrieval"
	"github.com/podcast-rag/backend/pkg/logger"
)

const answerSystemPrompt = `You answer questions about a podcast using only the numbered evidence you are given.
Transcript passages are quotes from episodes. Graph facts are relations extracted from episodes.
Rules:
1. Use only the evidence. Do not add outside knowledge.
2. Cite evidence with its number, for example [2].
3. Name the guest or episode when the evidence does.
4. If the evidence only partly answers the question, say what it does cover.
Keep the answer conversational and under 200 words.`

const greetingSystemPrompt = `You are the friendly front desk of a podcast question-answering assistant.
Reply to the user's greeting or small talk in one or two sentences and invite them to ask about
guests, episodes or ideas from the show. Do not answer any other question.`

// Answer writes the final response from fused evidence, trimmed to the
// configured prompt token budget.
func (c *Client) Answer(ctx context.Context, question string, evidence []fusion.RankedResult) (string, error) {
	block, used := buildEvidence(evidence, c.contextLimit, c.tokens.Count)
	if used == 0 {
		return "", fmt.Errorf("no evidence fits the context budget")
	}

	userPrompt := fmt.Sprintf("Question: %s\n\nEvidence:\n%s", question, block)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: answerSystemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.2,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate answer: %w", err)
	}

	logger.Info("Answer generated",
		zap.Int("evidence_used", used),
		zap.Int("evidence_total", len(evidence)),
		zap.Int("response_length", len(resp.Content)),
	)

	return strings.TrimSpace(resp.Content), nil
}

func (c *Client) Greet(ctx context.Context, message string) (string, error) {
	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: greetingSystemPrompt,
		UserPrompt:   message,
		Temperature:  0.7,
		MaxTokens:    120,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate greeting: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// buildEvidence numbers results in fused order and stops before the block
// would exceed budget tokens. It returns the block and how many results fit.
func buildEvidence(evidence []fusion.RankedResult, budget int, count func(string) int) (string, int) {
	var b strings.Builder
	used, spent := 0, 0
	for _, r := range evidence {
		entry := formatEvidence(used+1, r)
		cost := count(entry)
		if budget > 0 && spent+cost > budget {
			break
		}
		b.WriteString(entry)
		spent += cost
		used++
	}
	return b.String(), used
}

func formatEvidence(n int, r fusion.RankedResult) string {
	var label []string
	if r.Source == retrieval.SourceKG {
		label = append(label, "graph fact")
	} else {
		label = append(label, "transcript")
	}
	if len(r.Provenance) > 0 {
		p := r.Provenance[0]
		if title := p["episode_title"]; title != "" {
			label = append(label, fmt.Sprintf("episode %q", title))
		} else if id := p["episode_id"]; id != "" {
			label = append(label, "episode "+id)
		}
		if speaker := p["speaker"]; speaker != "" {
			label = append(label, speaker)
		}
		if ts := p["timestamp"]; ts != "" {
			label = append(label, "at "+ts)
		}
	}
	return fmt.Sprintf("[%d] (%s) %s\n", n, strings.Join(label, ", "), strings.TrimSpace(r.Content))
}
