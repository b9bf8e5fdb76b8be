// Package content defines the structured academic items produced by the
// extraction pipeline and the page texts they are extracted from.
package content

import "strings"

// Category identifies the kind of document being ingested. It fixes which
// item variant the pipeline produces and which persistence branch runs.
type Category string

const (
	CategoryLecture    Category = "lecture"
	CategoryExam       Category = "exam"
	CategoryAssignment Category = "assignment"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryLecture, CategoryExam, CategoryAssignment:
		return true
	}
	return false
}

// PageText is one page of raw extracted text, 1-based.
type PageText struct {
	Page int
	Text string
}

// KnowledgePoint is a structured unit of lecture content.
type KnowledgePoint struct {
	Title       string   `json:"title"`
	Definition  string   `json:"definition"`
	Formulas    []string `json:"formulas,omitempty"`
	Concepts    []string `json:"concepts,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	SourcePages []int    `json:"sourcePages,omitempty"`
}

// Question is a single exam or assignment question.
type Question struct {
	OrderNum        int      `json:"orderNum"`
	Content         string   `json:"content"`
	Options         []string `json:"options,omitempty"`
	ReferenceAnswer string   `json:"referenceAnswer,omitempty"`
	Points          float64  `json:"points"`
	SourcePage      int      `json:"sourcePage,omitempty"`
	Type            string   `json:"type,omitempty"`
}

// ItemKind discriminates the Item union.
type ItemKind int

const (
	KindKnowledgePoint ItemKind = iota
	KindQuestion
)

// Item is the unit flowing through extraction and persistence: exactly one
// of Point or Question is set, according to Kind. The active variant is
// fixed by the job's category.
type Item struct {
	Kind     ItemKind
	Point    *KnowledgePoint
	Question *Question
}

// NewPointItem wraps a knowledge point as an Item.
func NewPointItem(p KnowledgePoint) Item {
	return Item{Kind: KindKnowledgePoint, Point: &p}
}

// NewQuestionItem wraps a question as an Item.
func NewQuestionItem(q Question) Item {
	return Item{Kind: KindQuestion, Question: &q}
}

// TypeLabel returns the wire label for the item variant, used in stream
// frames and in the record's derived item-type metadata.
func (it Item) TypeLabel() string {
	switch it.Kind {
	case KindKnowledgePoint:
		return "knowledge_point"
	case KindQuestion:
		if it.Question != nil && it.Question.Type != "" {
			return it.Question.Type
		}
		return "question"
	}
	return "unknown"
}

// DedupePoints collapses knowledge points by case-insensitive exact title
// match. The first occurrence wins and the relative order of first
// occurrences is preserved.
func DedupePoints(points []KnowledgePoint) []KnowledgePoint {
	seen := make(map[string]struct{}, len(points))
	out := make([]KnowledgePoint, 0, len(points))
	for _, p := range points {
		key := strings.ToLower(p.Title)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// DistinctQuestionTypes returns the distinct non-empty type labels of the
// given questions, in first-seen order.
func DistinctQuestionTypes(questions []Question) []string {
	seen := make(map[string]struct{}, len(questions))
	var out []string
	for _, q := range questions {
		if q.Type == "" {
			continue
		}
		if _, ok := seen[q.Type]; ok {
			continue
		}
		seen[q.Type] = struct{}{}
		out = append(out, q.Type)
	}
	return out
}
