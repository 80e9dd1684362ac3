package patrol

import (
	"fmt"
	"time"
)

// ErrorCategory категории ошибок харнесса
type ErrorCategory string

const (
	// Ошибки сценария и параметров действий
	ErrorCategoryValidation ErrorCategory = "VALIDATION"

	// Ошибки сигнальных операций движка
	ErrorCategorySignaling ErrorCategory = "SIGNALING"

	// Ошибки медиаресурсов (плеер, рекордер)
	ErrorCategoryMedia ErrorCategory = "MEDIA"

	// Ошибки жизненного цикла движка — единственные фатальные
	ErrorCategoryEngine ErrorCategory = "ENGINE"

	// Ошибки отчётов и алертов
	ErrorCategoryReport ErrorCategory = "REPORT"
)

// ErrorSeverity уровни критичности ошибок
type ErrorSeverity string

const (
	ErrorSeverityFatal   ErrorSeverity = "FATAL"   // Завершает процесс
	ErrorSeverityError   ErrorSeverity = "ERROR"   // Операция пропущена, прогон продолжается
	ErrorSeverityWarning ErrorSeverity = "WARNING" // Операция деградировала
)

// PatrolError структурированная ошибка с контекстом.
//
// Почти все ошибки харнесса поглощаются на месте: действие логируется и
// пропускается, прогон продолжается. Фатальны только ErrorCategoryEngine.
type PatrolError struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`

	Action    string                 `json:"action,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"-"`
}

// Error реализует интерфейс error
func (e *PatrolError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("[%s:%s] %s (action: %s)", e.Category, e.Code, e.Message, e.Action)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *PatrolError) Unwrap() error {
	return e.Cause
}

// WithField добавляет поле контекста
func (e *PatrolError) WithField(key string, value interface{}) *PatrolError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *PatrolError) WithCause(cause error) *PatrolError {
	e.Cause = cause
	return e
}

// IsFatal сообщает, должен ли процесс завершиться из-за этой ошибки
func (e *PatrolError) IsFatal() bool {
	return e.Severity == ErrorSeverityFatal
}

func newError(code, message string, category ErrorCategory, severity ErrorSeverity) *PatrolError {
	return &PatrolError{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
	}
}

// NewValidationError ошибка параметров действия: действие становится no-op
func NewValidationError(code, message, action string) *PatrolError {
	err := newError(code, message, ErrorCategoryValidation, ErrorSeverityError)
	err.Action = action
	return err
}

// NewSignalingError ошибка сигнальной операции: логируется, прогон продолжается
func NewSignalingError(code, message string, cause error) *PatrolError {
	return newError(code, message, ErrorCategorySignaling, ErrorSeverityError).WithCause(cause)
}

// NewMediaError ошибка медиаресурса: вызов продолжается без записи/проигрывания
func NewMediaError(code, message string, cause error) *PatrolError {
	return newError(code, message, ErrorCategoryMedia, ErrorSeverityWarning).WithCause(cause)
}

// NewEngineError фатальная ошибка жизненного цикла движка
func NewEngineError(code, message string, cause error) *PatrolError {
	return newError(code, message, ErrorCategoryEngine, ErrorSeverityFatal).WithCause(cause)
}
