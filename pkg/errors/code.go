package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Assignment & test suite errors
// 12000-12999: Submission & grading errors
// 13000-13999: Sandbox & toolchain errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Timeout             ErrorCode = 10006

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202
	LockFailed     ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Assignment & Test Suite Errors (11000-11999) ==========

	// Assignment (11000-11099)
	AssignmentNotFound    ErrorCode = 11000
	AssignmentNotGradable ErrorCode = 11001

	// Test suite (11100-11199)
	SuiteNotFound        ErrorCode = 11100
	SuiteDownloadFailed  ErrorCode = 11101
	SuiteHashMismatch    ErrorCode = 11102
	SuiteManifestInvalid ErrorCode = 11103
	SuiteUnpackFailed    ErrorCode = 11104

	// ========== Submission & Grading Errors (12000-12999) ==========

	// Submission (12000-12099)
	SubmissionNotFound     ErrorCode = 12000
	SourceDownloadFailed   ErrorCode = 12001
	SourceHashMismatch     ErrorCode = 12002
	SourceTooLarge         ErrorCode = 12003
	ToolchainNotSupported  ErrorCode = 12004
	SubmissionParseFailed  ErrorCode = 12005
	SubmissionReportFailed ErrorCode = 12006

	// Grading pipeline (12100-12199)
	GraderPoolFull     ErrorCode = 12100
	GraderSystemError  ErrorCode = 12101
	GradingInterrupted ErrorCode = 12102

	// ========== Sandbox & Toolchain Errors (13000-13999) ==========

	// Sandbox lifecycle (13000-13099)
	SandboxSetupFailed   ErrorCode = 13000
	SandboxStartFailed   ErrorCode = 13001
	SandboxKilled        ErrorCode = 13002
	WorkspaceSetupFailed ErrorCode = 13003
	CgroupSetupFailed    ErrorCode = 13004

	// Toolchain (13100-13199)
	CompilerNotFound   ErrorCode = 13100
	CompileTimedOut    ErrorCode = 13101
	CompileInterrupted ErrorCode = 13102
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",
	LockFailed:     "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Assignment
	AssignmentNotFound:    "Assignment not found",
	AssignmentNotGradable: "Assignment cannot be graded at the moment",

	// Test suite
	SuiteNotFound:        "Test suite not found",
	SuiteDownloadFailed:  "Failed to download test suite",
	SuiteHashMismatch:    "Test suite hash mismatch",
	SuiteManifestInvalid: "Invalid test suite manifest",
	SuiteUnpackFailed:    "Failed to unpack test suite",

	// Submission
	SubmissionNotFound:     "Submission not found",
	SourceDownloadFailed:   "Failed to download submission source",
	SourceHashMismatch:     "Submission source hash mismatch",
	SourceTooLarge:         "Submission source is too large",
	ToolchainNotSupported:  "Toolchain not supported",
	SubmissionParseFailed:  "Failed to parse submission message",
	SubmissionReportFailed: "Failed to persist grading report",

	// Grading pipeline
	GraderPoolFull:     "Grader pool is full, please try again later",
	GraderSystemError:  "Grader system error",
	GradingInterrupted: "Grading was interrupted",

	// Sandbox
	SandboxSetupFailed:   "Failed to set up sandbox",
	SandboxStartFailed:   "Failed to start sandboxed process",
	SandboxKilled:        "Sandboxed process was killed",
	WorkspaceSetupFailed: "Failed to set up workspace",
	CgroupSetupFailed:    "Failed to set up control group",

	// Toolchain
	CompilerNotFound:   "Compiler not found",
	CompileTimedOut:    "Compilation timed out",
	CompileInterrupted: "Compilation was interrupted",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == AssignmentNotFound, c == SubmissionNotFound, c == SuiteNotFound:
		return 404
	case c == TooManyRequests, c == GraderPoolFull:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == ToolchainNotSupported, c == SourceTooLarge:
		return 400
	default:
		return 500
	}
}
