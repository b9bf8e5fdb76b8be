package ingest

// Code is a machine-readable error code surfaced to the caller.
type Code string

const (
	CodeForbidden        Code = "FORBIDDEN"
	CodeQuotaExceeded    Code = "QUOTA_EXCEEDED"
	CodeInvalidFile      Code = "INVALID_FILE"
	CodeFileTooLarge     Code = "FILE_TOO_LARGE"
	CodePDFParseError    Code = "PDF_PARSE_ERROR"
	CodeEmptyPDF         Code = "EMPTY_PDF"
	CodeValidationError  Code = "VALIDATION_ERROR"
	CodeCourseRequired   Code = "COURSE_REQUIRED"
	CodeDuplicate        Code = "DUPLICATE"
	CodeLLMQuotaExceeded Code = "LLM_QUOTA_EXCEEDED"
	CodeExtractionError  Code = "EXTRACTION_ERROR"
	CodeInternalError    Code = "INTERNAL_ERROR"
)
