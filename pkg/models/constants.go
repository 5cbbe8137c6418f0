package models

import "time"

//-- Section --

const (
	// FilePermReadWrite defines standard non-executable file permissions.
	FilePermReadWrite = 0644
	// FilePermSecure enforces strict owner-only access for result databases.
	FilePermSecure = 0600
	// caps the size of binaries loaded for export to bound disassembly memory.
	MaxBinaryFileSize = 64 * 1024 * 1024 // 64 MB
	// limits the buffer size for LLM responses to mitigate potential DoS from upstream providers.
	MaxAPIResponseSize = 5 * 1024 * 1024 // 5 MB
	// controls the verbosity of the diff output to keep CLI reports readable.
	MaxReportFunctionsDisplay = 25

	// guards against pathological exports: a function beyond this block count
	// is summarized but not block-matched.
	MaxBlocksPerFunction = 50000
	// caps the number of functions accepted from a single binary export.
	MaxFunctionsPerBinary = 200000

	// limits the number of attempts to reach an API before conceding failure.
	MaxHTTPRetries = 3
	// provides the starting point for exponential backoff calculations.
	BaseRetryDelay = 500 * time.Millisecond
	// prevents backoff times from growing indefinitely and stalling the execution pipeline.
	MaxRetryDelay = 5 * time.Second
	// sets a hard deadline for network requests to prevent lingering or "zombie" connections.
	HTTPClientTimeout = 120 * time.Second
	// acts as a circuit breaker for a whole diff session so the tool exits within a predictable window.
	GlobalDiffTimeout = 300 * time.Second

	// is the score floor below which greedy function pairing refuses to pair.
	DefaultFunctionSimilarity = 0.35

	//  block content and topology fully matched.
	StatusIdentical = "identical"
	//  paired, but some blocks changed or went unmatched.
	StatusModified = "modified"
	//  structure matched under a different symbol name.
	StatusRenamed = "renamed"
	//  present only in the secondary binary.
	StatusAdded = "added"
	//  present only in the primary binary.
	StatusRemoved = "removed"

	//  function pairing provenance: symbol names agreed.
	PairedByName = "name"
	//  function pairing provenance: whole-body content hash agreed.
	PairedByHash = "content hash"
	//  function pairing provenance: greedy structural similarity.
	PairedBySimilarity = "similarity"

	//  textual or register-allocation change with no semantic effect.
	VerdictCosmetic = "COSMETIC"
	//  restructured control flow computing the same result.
	VerdictRefactor = "REFACTOR"
	//  observable behavior changed.
	VerdictBehavioral = "BEHAVIORAL"
	//  the explanation pipeline could not classify the change.
	VerdictUnknown = "UNKNOWN"

	// multimodal reasoning model.
	ModelGeminiPro = "gemini-3-pro-preview"
	// high speed, low latency analysis for large codebases.
	ModelGeminiFlash = "gemini-2.5-flash"
	// frontier OpenAI reasoning models.
	ModelGPT5_2 = "gpt-5.2"
	// optimized specifically for deep static analysis tasks.
	ModelGPT5_2_Codex = "gpt-5.2-codex"
	// legacy flagship for general purpose diffing.
	ModelGPT4o = "gpt-4o"
	// used for cost effective initial triaging.
	ModelGPT4oMini = "gpt-4o-mini"

	//  SQLite results database holding persisted diff reports.
	BackendSQLite = "sqlite"
	//  LSM tree corpus of exported flow graphs.
	BackendPebbleDB = "pebbledb"

	//  export format produced by the Go SSA exporter.
	FormatSSA = "ssa"
	//  export format produced by the x86-64 ELF exporter.
	FormatELF = "elf"
)
