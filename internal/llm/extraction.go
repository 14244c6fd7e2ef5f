package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/pkg/logger"
)

type EntityExtraction struct {
	Name       string
	Type       string
	Confidence float64
}

type RelationExtraction struct {
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
}

type EvaluationScore struct {
	Relevance      float64 `json:"relevance"`
	Accuracy       float64 `json:"accuracy"`
	Completeness   float64 `json:"completeness"`
	Citations      float64 `json:"citations"`
	Classification string  `json:"classification"`
	Reasoning      string  `json:"reasoning"`
}

var EntityTypes = []string{"person", "topic", "practice", "book", "organization", "concept"}

var RelationPredicates = []string{
	"DISCUSSES", "RECOMMENDS", "IMPROVES", "REDUCES", "CAUSES",
	"INFLUENCES", "CONTRADICTS", "PART_OF", "RELATED_TO", "AUTHORED",
}

func (c *Client) SummarizeEpisode(ctx context.Context, title, transcript string) (string, error) {
	systemPrompt := `You summarise podcast episodes. Write 2-3 sentences naming the guests,
the main topics and any concrete practices or recommendations discussed.`

	userPrompt := fmt.Sprintf("Episode: %s\n\nTranscript excerpt:\n%s", title, transcript)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.3,
		MaxTokens:    300,
	})
	if err != nil {
		return "", fmt.Errorf("failed to summarize: %w", err)
	}

	logger.Info("Episode summarized", zap.String("title", title), zap.Int("summary_length", len(resp.Content)))

	return strings.TrimSpace(resp.Content), nil
}

func (c *Client) ExtractEntities(ctx context.Context, summary string, known []string) ([]EntityExtraction, error) {
	systemPrompt := fmt.Sprintf(`You build a knowledge graph from podcast episodes. Extract the entities discussed.
Entity types: %s.
Return JSON only: {"entities": [{"name": "...", "type": "...", "confidence": 0.9}]}`, strings.Join(EntityTypes, ", "))

	userPrompt := fmt.Sprintf("Known entities (reuse these spellings): %s\n\nEpisode summary:\n%s",
		strings.Join(known, ", "), summary)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.2,
		MaxTokens:    600,
		JSON:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract entities: %w", err)
	}

	entities := parseEntityExtractions(resp.Content)

	logger.Info("Entities extracted", zap.Int("count", len(entities)))

	return entities, nil
}

func (c *Client) ExtractRelations(ctx context.Context, text string, entities []string) ([]RelationExtraction, error) {
	systemPrompt := fmt.Sprintf(`You build a knowledge graph from podcast episodes. Extract relations between the given entities
as stated by the speakers. Predicates: %s.
Return JSON only: {"relations": [{"subject": "...", "predicate": "IMPROVES", "object": "...", "confidence": 0.8}]}`,
		strings.Join(RelationPredicates, ", "))

	userPrompt := fmt.Sprintf("Entities: %s\n\nTranscript:\n%s", strings.Join(entities, ", "), text)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.2,
		MaxTokens:    800,
		JSON:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract relations: %w", err)
	}

	relations := parseRelationExtractions(resp.Content)

	logger.Info("Relations extracted", zap.Int("count", len(relations)))

	return relations, nil
}

func (c *Client) EvaluateResponse(ctx context.Context, query, response, reference string) (*EvaluationScore, error) {
	systemPrompt := `You grade answers from a podcast question-answering assistant.
Rate each from 1 to 3: relevance, accuracy (against the reference), completeness, citations.
classification is one of irrelevant, moderate, fully_relevant.
Return JSON only:
{"relevance": 3, "accuracy": 3, "completeness": 2, "citations": 3, "classification": "fully_relevant", "reasoning": "..."}`

	userPrompt := fmt.Sprintf("Question: %s\n\nAnswer: %s\n\nReference: %s", query, response, reference)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    400,
		JSON:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate response: %w", err)
	}

	return parseEvaluationScore(resp.Content), nil
}

// jsonBody trims code fences and prose around the first JSON value.
func jsonBody(content string) string {
	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return ""
	}
	end := strings.LastIndexAny(content, "}]")
	if end < start {
		return ""
	}
	body := content[start : end+1]
	if !gjson.Valid(body) {
		return ""
	}
	return body
}

// items accepts either a bare array or an object holding the array under key.
func items(content, key string) []gjson.Result {
	body := jsonBody(content)
	if body == "" {
		return nil
	}
	root := gjson.Parse(body)
	if root.IsObject() {
		root = root.Get(key)
	}
	if !root.IsArray() {
		return nil
	}
	return root.Array()
}

func confidence(v gjson.Result) float64 {
	if !v.Exists() {
		return 0.5
	}
	f := v.Float()
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func parseEntityExtractions(content string) []EntityExtraction {
	var entities []EntityExtraction
	seen := map[string]bool{}
	for _, e := range items(content, "entities") {
		name := strings.TrimSpace(e.Get("name").String())
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true

		typ := strings.ToLower(strings.TrimSpace(e.Get("type").String()))
		if !contains(EntityTypes, typ) {
			typ = "concept"
		}
		entities = append(entities, EntityExtraction{Name: name, Type: typ, Confidence: confidence(e.Get("confidence"))})
	}
	return entities
}

func parseRelationExtractions(content string) []RelationExtraction {
	var relations []RelationExtraction
	for _, r := range items(content, "relations") {
		subject := strings.TrimSpace(r.Get("subject").String())
		object := strings.TrimSpace(r.Get("object").String())
		if subject == "" || object == "" || strings.EqualFold(subject, object) {
			continue
		}
		predicate := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(r.Get("predicate").String()), " ", "_"))
		if !contains(RelationPredicates, predicate) {
			predicate = "RELATED_TO"
		}
		relations = append(relations, RelationExtraction{
			Subject:    subject,
			Predicate:  predicate,
			Object:     object,
			Confidence: confidence(r.Get("confidence")),
		})
	}
	return relations
}

func parseEvaluationScore(content string) *EvaluationScore {
	score := &EvaluationScore{
		Relevance:      2,
		Accuracy:       2,
		Completeness:   2,
		Citations:      2,
		Classification: "moderate",
		Reasoning:      "unparseable grader output",
	}
	body := jsonBody(content)
	if body == "" {
		return score
	}
	obj := gjson.Parse(body)
	for field, dst := range map[string]*float64{
		"relevance":    &score.Relevance,
		"accuracy":     &score.Accuracy,
		"completeness": &score.Completeness,
		"citations":    &score.Citations,
	} {
		if v := obj.Get(field); v.Exists() {
			*dst = v.Float()
		}
	}
	switch c := obj.Get("classification").String(); c {
	case "irrelevant", "moderate", "fully_relevant":
		score.Classification = c
	}
	if r := obj.Get("reasoning").String(); r != "" {
		score.Reasoning = r
	}
	return score
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
