package extract

import "github.com/santhosh-tekuri/jsonschema/v5"

// Entry schemas for the strict-JSON contract with the model. Entries that
// fail validation are dropped individually; a bad entry never aborts its
// batch.

const knowledgePointSchema = `{
	"type": "object",
	"properties": {
		"title":       {"type": "string", "minLength": 1},
		"definition":  {"type": "string", "minLength": 1},
		"formulas":    {"type": "array", "items": {"type": "string"}},
		"concepts":    {"type": "array", "items": {"type": "string"}},
		"examples":    {"type": "array", "items": {"type": "string"}},
		"sourcePages": {"type": "array", "items": {"type": "integer", "minimum": 1}}
	},
	"required": ["title", "definition"]
}`

const questionSchema = `{
	"type": "object",
	"properties": {
		"orderNum":        {"type": "integer", "minimum": 1},
		"content":         {"type": "string", "minLength": 1},
		"options":         {"type": "array", "items": {"type": "string"}},
		"referenceAnswer": {"type": "string"},
		"points":          {"type": "number", "minimum": 0},
		"sourcePage":      {"type": "integer", "minimum": 1},
		"type":            {"type": "string"}
	},
	"required": ["orderNum", "content"]
}`

var (
	pointSchema = jsonschema.MustCompileString("knowledge_point.json", knowledgePointSchema)
	questSchema = jsonschema.MustCompileString("question.json", questionSchema)
)
