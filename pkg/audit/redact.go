package audit

import (
	"crypto/sha256"
	"encoding/hex"

	"guardrail/pkg/models"
)

func (w *Writer) redact(rec models.AuditRecord) models.AuditRecord {
	rec.UserID = w.HashUser(rec.UserID)
	rec.Input = w.redactor.Redact(rec.Input)
	rec.Output = w.redactor.Redact(rec.Output)
	rec.ReasonCode = w.redactor.Redact(rec.ReasonCode)
	return rec
}

// HashUser returns the salted SHA-256 of a user ID as stored in audit rows
// and log lines.
func (w *Writer) HashUser(userID string) string {
	return HashUser(userID, w.HashSalt)
}

func HashUser(userID string, salt []byte) string {
	if userID == "" {
		return ""
	}
	return hashBytes([]byte(userID), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
