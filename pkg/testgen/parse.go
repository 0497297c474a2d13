package testgen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/testpilot-io/testpilot/pkg/introspect"
	"github.com/testpilot-io/testpilot/pkg/llm"
)

// itemSchema is the JSON schema every generated test case must satisfy.
// Unknown fields are allowed and ignored.
const itemSchema = `{
  "type": "object",
  "required": ["title", "steps"],
  "properties": {
    "title": {"type": "string", "pattern": "\\S"},
    "description": {"type": ["string", "null"]},
    "preconditions": {"type": ["string", "null"]},
    "expected_result": {"type": ["string", "null"]},
    "tags": {"type": ["array", "null"], "items": {"type": "string"}},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "properties": {
          "step_number": {"type": ["integer", "string", "null"]},
          "description": {"type": ["string", "null"]},
          "expected_result": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

// outputSchema is shown to the model.
const outputSchema = `[
  {
    "title": "string",
    "description": "string",
    "preconditions": "string",
    "test_data": {"field": "value"},
    "expected_result": "string",
    "steps": [
      {"step_number": 1, "description": "string", "expected_result": "string"}
    ]
  }
]`

const systemPrompt = "You are a QA test designer. You write precise, executable manual " +
	"test cases for web pages. Reply with a JSON array only."

var (
	compiledSchema = mustSchema(itemSchema)
	fenceRe        = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compiling test case schema: %v", err))
	}

	return schema
}

type draftStep struct {
	StepNumber     *int            `json:"-"`
	RawNumber      json.RawMessage `json:"step_number"`
	Description    string          `json:"description"`
	ExpectedResult string          `json:"expected_result"`
}

// number returns the step's position as given by the model, accepting
// integers and numeric strings.
func (st draftStep) number() (int, bool) {
	if st.StepNumber != nil {
		return *st.StepNumber, true
	}

	raw := bytes.TrimSpace(st.RawNumber)
	if len(raw) == 0 {
		return 0, false
	}

	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}

	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}

	return n, true
}

type draft struct {
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Preconditions  string          `json:"preconditions"`
	TestData       json.RawMessage `json:"test_data"`
	ExpectedResult string          `json:"expected_result"`
	Tags           []string        `json:"tags"`
	Steps          []draftStep     `json:"steps"`
}

// testDataText stores strings as-is and any other JSON value compactly.
func (d draft) testDataText() string {
	raw := bytes.TrimSpace(d.TestData)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}

	return buf.String()
}

func buildPrompt(req Request, fp *introspect.Fingerprint, temperature float64) (llm.Prompt, error) {
	fpJSON, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return llm.Prompt{}, fmt.Errorf("encoding fingerprint: %w", err)
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "Generate exactly %d %s test cases with %s priority for the page below.\n\n",
		req.TestCount, req.TestType, req.Priority)
	sb.WriteString("Page fingerprint:\n")
	sb.Write(fpJSON)
	sb.WriteString("\n\nEach test case needs a title and at least one step with a description. ")
	sb.WriteString("Number steps from 1. Return only a JSON array in this exact format:\n")
	sb.WriteString(outputSchema)
	sb.WriteString("\n")

	return llm.Prompt{
		System:      systemPrompt,
		User:        sb.String(),
		Temperature: temperature,
	}, nil
}

// parseDrafts extracts at most limit valid test cases from a model reply and
// reports how many entries were rejected.
func parseDrafts(text string, limit int) ([]draft, int) {
	items, err := extractArray(text)
	if err != nil {
		return nil, 0
	}

	drafts := make([]draft, 0, len(items))
	rejected := 0

	for _, raw := range items {
		d, ok := validateItem(raw)
		if !ok {
			rejected++

			continue
		}

		if len(drafts) < limit {
			drafts = append(drafts, d)
		}
	}

	return drafts, rejected
}

// extractArray finds the JSON array in text, tolerating code fences and
// surrounding prose.
func extractArray(text string) ([]json.RawMessage, error) {
	text = strings.TrimSpace(text)

	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	// Brackets may also appear in prose, so try each one until an array of
	// test case objects decodes.
	for off := 0; off < len(text); {
		i := strings.IndexByte(text[off:], '[')
		if i < 0 {
			break
		}

		start := off + i
		off = start + 1

		var items []json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&items); err != nil {
			continue
		}

		if looksLikeTestCases(items) {
			return items, nil
		}
	}

	return nil, fmt.Errorf("no JSON array of test cases in response")
}

// looksLikeTestCases reports whether any item is an object with a title or
// steps key.
func looksLikeTestCases(items []json.RawMessage) bool {
	for _, raw := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			continue
		}

		_, hasTitle := fields["title"]
		_, hasSteps := fields["steps"]

		if hasTitle || hasSteps {
			return true
		}
	}

	return false
}

func validateItem(raw json.RawMessage) (draft, bool) {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil || !result.Valid() {
		return draft{}, false
	}

	var d draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return draft{}, false
	}

	d.Title = strings.TrimSpace(d.Title)
	d.Steps = normalizeSteps(d.Steps)

	if d.Title == "" || len(d.Steps) == 0 {
		return draft{}, false
	}

	return d, true
}

// normalizeSteps drops steps without a description, orders the rest by
// their given number (unnumbered steps keep their position) and renumbers
// them from 1.
func normalizeSteps(steps []draftStep) []draftStep {
	type ordered struct {
		key  int
		pos  int
		step draftStep
	}

	kept := make([]ordered, 0, len(steps))

	for i, st := range steps {
		st.Description = strings.TrimSpace(st.Description)
		if st.Description == "" {
			continue
		}

		key := i + 1
		if n, ok := st.number(); ok {
			key = n
		}

		kept = append(kept, ordered{key: key, pos: i, step: st})
	}

	sort.SliceStable(kept, func(a, b int) bool {
		if kept[a].key != kept[b].key {
			return kept[a].key < kept[b].key
		}

		return kept[a].pos < kept[b].pos
	})

	out := make([]draftStep, len(kept))

	for i, k := range kept {
		n := i + 1
		k.step.StepNumber = &n
		k.step.RawNumber = nil
		out[i] = k.step
	}

	return out
}
