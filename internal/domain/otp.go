package domain

import "time"

// OtpRecord es el codigo de verificacion pendiente para un email.
// Solo puede existir un registro vivo por email; el codigo se guarda
// como hash con sal, nunca en claro.
type OtpRecord struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CodeHash  string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Expired indica si el codigo ya no es valido en el instante dado.
func (r OtpRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
