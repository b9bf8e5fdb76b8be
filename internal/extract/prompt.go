package extract

import (
	"fmt"
	"strings"

	"github.com/studyloop/ingestd/internal/content"
)

const lectureSystemPrompt = `You are an academic content analyst. Extract the distinct knowledge points from the provided lecture pages.

Respond with a strict JSON array and nothing else. Each element:
{"title": string, "definition": string, "formulas": [string], "concepts": [string], "examples": [string], "sourcePages": [int]}

"title" and "definition" are required. Omit empty optional fields. Do not wrap the array in an object or in markdown fences.`

const questionSystemPrompt = `You are an academic content analyst. Extract every question from the provided pages of an %s.

Respond with a strict JSON array and nothing else. Each element:
{"orderNum": int, "content": string, "options": [string], "referenceAnswer": string, "points": number, "sourcePage": int, "type": string}

"orderNum" and "content" are required. Use "type" for the question kind (e.g. multiple_choice, short_answer, proof). Omit empty optional fields. Do not wrap the array in an object or in markdown fences.`

func systemPrompt(category content.Category) string {
	if category == content.CategoryLecture {
		return lectureSystemPrompt
	}
	return fmt.Sprintf(questionSystemPrompt, string(category))
}

// userPrompt renders a page batch with page-number markers so the model can
// fill sourcePages / sourcePage.
func userPrompt(pages []content.PageText) string {
	var b strings.Builder
	for _, p := range pages {
		fmt.Fprintf(&b, "=== Page %d ===\n", p.Page)
		b.WriteString(strings.TrimSpace(p.Text))
		b.WriteString("\n\n")
	}
	return b.String()
}
