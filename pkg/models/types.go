package models

import (
	"encoding/json"
	"time"

	"github.com/gemesa/bindiff/pkg/match"
)

// -- Diff report --

type DiffReport struct {
	PrimaryBinary   string             `json:"primary_binary"`
	SecondaryBinary string             `json:"secondary_binary"`
	GeneratedAt     time.Time          `json:"generated_at"`
	EngineVersion   string             `json:"engine_version,omitempty"`
	Summary         DiffSummary        `json:"summary"`
	Functions       []FunctionMatch    `json:"functions"`
	Removed         []FunctionRecord   `json:"removed,omitempty"`
	Added           []FunctionRecord   `json:"added,omitempty"`
	Stats           match.SessionStats `json:"stats"`
	ErrorMessage    string             `json:"error,omitempty"`
}

type DiffSummary struct {
	PrimaryFunctions   int     `json:"primary_functions"`
	SecondaryFunctions int     `json:"secondary_functions"`
	Matched            int     `json:"matched"`
	Identical          int     `json:"identical"`
	Modified           int     `json:"modified"`
	Renamed            int     `json:"renamed,omitempty"`
	Added              int     `json:"added"`
	Removed            int     `json:"removed"`
	OverallSimilarity  float64 `json:"overall_similarity"`
}

// FunctionMatch is one paired function with its block-level result.
type FunctionMatch struct {
	PrimaryName   string `json:"primary_name"`
	SecondaryName string `json:"secondary_name"`
	PrimaryAddr   uint64 `json:"primary_addr"`
	SecondaryAddr uint64 `json:"secondary_addr"`

	Status     string  `json:"status"`
	PairedBy   string  `json:"paired_by"`
	Similarity float64 `json:"similarity"`
	Confidence float64 `json:"confidence"`
	Passes     int     `json:"passes,omitempty"`

	PrimaryBlocks   int `json:"primary_blocks"`
	SecondaryBlocks int `json:"secondary_blocks"`
	MatchedBlocks   int `json:"matched_blocks"`

	StepCounts map[string]int `json:"step_counts,omitempty"`
	Blocks     []BlockPair    `json:"blocks,omitempty"`
}

// BlockPair is one basic-block correspondence with its provenance.
type BlockPair struct {
	PrimaryIndex   int    `json:"primary_index"`
	SecondaryIndex int    `json:"secondary_index"`
	Step           string `json:"step"`
}

// FunctionRecord describes a function present on only one side.
type FunctionRecord struct {
	Name         string `json:"name"`
	Addr         uint64 `json:"addr"`
	Blocks       int    `json:"blocks"`
	Instructions int    `json:"instructions"`
}

// -- Export --

type ExportOutput struct {
	Binary       string `json:"binary"`
	Format       string `json:"format"`
	Functions    int    `json:"functions"`
	Blocks       int    `json:"blocks"`
	Instructions int    `json:"instructions"`
	ErrorMessage string `json:"error,omitempty"`
}

// -- CLI options --

type ExportOptions struct {
	CorpusPath string
	Binary     string
	Format     string
	NoSandbox  bool
}

type DiffOptions struct {
	PrimaryCorpus   string
	SecondaryCorpus string
	PrimaryBinary   string
	SecondaryBinary string
	ResultsPath     string
	ConfigPath      string
	Workers         int
	WithBlocks      bool
	MinSimilarity   float64
}

type ShowOptions struct {
	ResultsPath string
	Primary     string
	Secondary   string
	Function    string
	OnlyChanged bool
	Limit       int
}

type ExplainOptions struct {
	ResultsPath     string
	PrimaryCorpus   string
	SecondaryCorpus string
	Primary         string
	Secondary       string
	Function        string
	APIKey          string
	Model           string
	APIBase         string
}

// -- Explain & LLM --

type ExplainOutput struct {
	Inputs ExplainInputs `json:"inputs"`
	Output LLMResult     `json:"output"`
}

type ExplainInputs struct {
	PrimaryBinary   string `json:"primary_binary"`
	SecondaryBinary string `json:"secondary_binary"`
	Function        string `json:"function"`
	EvidenceCount   int    `json:"evidence_count"`
}

type LLMResult struct {
	Verdict  string `json:"verdict"`
	Evidence string `json:"evidence"`
}

// ChangeEvidence is one function-level delta handed to the explanation
// model. Pre-digested so no raw binary content crosses the API boundary.
type ChangeEvidence struct {
	Function        string  `json:"function"`
	Similarity      float64 `json:"similarity"`
	MatchedBlocks   int     `json:"matched_blocks"`
	UnmatchedBlocks int     `json:"unmatched_blocks"`
	AddedClasses    string  `json:"added_operations,omitempty"`
	RemovedClasses  string  `json:"removed_operations,omitempty"`
}

// -- OpenAI / Gemini API Types --

type OpenAIResponsesRequest struct {
	Model          string         `json:"model"`
	Items          []OpenAIItem   `json:"items"`
	Store          bool           `json:"store"`
	ResponseFormat *OpenAIRespFmt `json:"response_format,omitempty"`
}

type OpenAIItem struct {
	Type string `json:"type"`
	Role string `json:"role"`
	// Content is polymorphic: can be string or array of parts.
	// We use RawMessage to defer parsing and avoid unmarshal errors.
	Content json.RawMessage `json:"content"`
}

// OpenAIContentPart helps parse the array form of content
type OpenAIContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type OpenAIResponsesResponse struct {
	Items []OpenAIItem `json:"items"`
}

type OpenAIRespFmt struct {
	Type string `json:"type"`
}

type SentinelResponse struct {
	Safe     bool   `json:"safe"`
	Analysis string `json:"analysis,omitempty"`
}
