package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden          ErrCode = "FORBIDDEN"
	ErrExamineeAccessOnly ErrCode = "EXAMINEE_ACCESS_ONLY"
	ErrProctorAccessOnly  ErrCode = "PROCTOR_ACCESS_ONLY"
	ErrNotSessionOwner    ErrCode = "NOT_SESSION_OWNER"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Session engine ────────────────────────────────────────────────
	ErrInvalidState       ErrCode = "INVALID_STATE"
	ErrUnknownQuestion    ErrCode = "UNKNOWN_QUESTION"
	ErrMalformedAnswer    ErrCode = "MALFORMED_ANSWER"
	ErrDuplicateAttempt   ErrCode = "DUPLICATE_ATTEMPT"
	ErrNotYetFinalized    ErrCode = "NOT_YET_FINALIZED"
	ErrSessionNotFound    ErrCode = "SESSION_NOT_FOUND"
	ErrUnknownEventKind   ErrCode = "UNKNOWN_EVENT_KIND"
	ErrAssessmentNotFound ErrCode = "ASSESSMENT_NOT_FOUND"
	ErrAttemptsExhausted  ErrCode = "ATTEMPTS_EXHAUSTED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrExamineeAccessOnly:
		return "Sumber daya ini terbatas untuk peserta ujian."
	case ErrProctorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas."
	case ErrNotSessionOwner:
		return "Sesi ini bukan milik Anda."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Session engine ────────────────────────────────────────────────
	case ErrInvalidState:
		return "Operasi tidak diizinkan pada status sesi saat ini."
	case ErrUnknownQuestion:
		return "Soal tidak termasuk dalam sesi ini."
	case ErrMalformedAnswer:
		return "Format jawaban tidak sesuai dengan jenis soal."
	case ErrDuplicateAttempt:
		return "Masih ada percobaan yang sedang berlangsung. Lanjutkan sesi tersebut."
	case ErrNotYetFinalized:
		return "Sesi belum selesai."
	case ErrSessionNotFound:
		return "Sesi tidak ditemukan."
	case ErrUnknownEventKind:
		return "Jenis kejadian pengawasan tidak dikenal."
	case ErrAssessmentNotFound:
		return "Ujian tidak ditemukan."
	case ErrAttemptsExhausted:
		return "Jumlah percobaan untuk ujian ini sudah habis."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
