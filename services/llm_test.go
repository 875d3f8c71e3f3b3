package services

import (
	"strings"
	"testing"

	"medx-coding-support/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCodingJSON_CleanObject(t *testing.T) {
	payload, err := parseCodingJSON(`{"diagnosis_codes": {"primary_diagnosis": []}}`)
	require.NoError(t, err)
	assert.Contains(t, payload, "diagnosis_codes")
}

func TestParseCodingJSON_FencedOutput(t *testing.T) {
	raw := "```json\n{\"diagnosis_codes\": {\"primary_diagnosis\": []}}\n```"
	payload, err := parseCodingJSON(raw)
	require.NoError(t, err)
	assert.Contains(t, payload, "diagnosis_codes")
}

func TestParseCodingJSON_ProseWrappedObject(t *testing.T) {
	raw := `Here are the codes you asked for: {"coding_notes": "brace in string }"} hope that helps`
	payload, err := parseCodingJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "brace in string }", payload["coding_notes"])
}

func TestParseCodingJSON_RejectsGarbage(t *testing.T) {
	_, err := parseCodingJSON("I could not produce any codes")
	require.Error(t, err)

	_, err = parseCodingJSON("")
	require.Error(t, err)

	_, err = parseCodingJSON("{unbalanced")
	require.Error(t, err)
}

func TestExtractJSONObject_IgnoresBracesInsideStrings(t *testing.T) {
	s := `prefix {"a": "}{", "b": {"c": 1}} suffix`
	assert.Equal(t, `{"a": "}{", "b": {"c": 1}}`, extractJSONObject(s))
}

func TestBuildCodingPrompt_LineNumbersEachDocument(t *testing.T) {
	prompt := buildCodingPrompt(models.ChartInfo{
		ChartNumber: "CH-100",
		PatientName: "Doe, Jane",
		Specialty:   "General Surgery",
	}, []ExtractedDocument{
		{FileName: "op-note.pdf", Text: "line A\nline B"},
		{FileName: "labs.txt", Text: "WBC 14.2"},
	})

	assert.Contains(t, prompt, "=== Document 1: op-note.pdf ===")
	assert.Contains(t, prompt, "1: line A")
	assert.Contains(t, prompt, "2: line B")
	assert.Contains(t, prompt, "=== Document 2: labs.txt ===")
	assert.Contains(t, prompt, "1: WBC 14.2")
	assert.Contains(t, prompt, "Chart Number: CH-100")
	assert.Contains(t, prompt, "Specialty: General Surgery")

	// Metadata comes after the documents so evidence lines stay stable
	assert.Less(t, strings.Index(prompt, "op-note.pdf"), strings.Index(prompt, "Chart Metadata"))
}
