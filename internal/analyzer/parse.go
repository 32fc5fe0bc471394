package analyzer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	"github.com/squall-chua/gerrit-auto-code-review-bot/pkg/models"
)

// fencedJSON matches a JSON object wrapped in a markdown code fence, which
// some models emit despite instructions.
var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// llmResponse is the wire shape of the model's review output.
type llmResponse struct {
	Summary  string                            `json:"summary"`
	Vote     int                               `json:"vote"`
	Comments map[string][]models.InlineComment `json:"comments"`
}

// ParseResponse extracts the structured review from raw model output.
// Markdown fences are stripped and malformed JSON is repaired before
// decoding; the vote is always clamped to {-1, 0, 1}.
func ParseResponse(raw string) (*models.ReviewResult, error) {
	content := strings.TrimSpace(raw)
	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		content = strings.TrimSpace(m[1])
	}

	var parsed llmResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil {
			return nil, fmt.Errorf("response is not valid JSON and could not be repaired: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return nil, fmt.Errorf("repaired response is still not valid JSON: %w", err)
		}
		log.Debug().Int("bytes", len(repaired)).Msg("LLM response JSON was repaired before decoding")
	}

	if parsed.Summary == "" {
		parsed.Summary = "Automated code review completed."
	}

	vote := parsed.Vote
	if clamped := models.ClampVote(vote); clamped != vote {
		log.Warn().Int("vote", vote).Msg("LLM returned out-of-range vote; defaulting to 0")
		vote = clamped
	}

	return &models.ReviewResult{
		Summary:  parsed.Summary,
		Comments: parsed.Comments,
		Vote:     vote,
	}, nil
}
