package auth

import (
	"strings"
)

const (
	bootstrapMaxAttempts = 5
	minPasswordLength    = 8
	maxSubdomainLength   = 63
)

// BootstrapRequest is the first-run administrator creation payload.
type BootstrapRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	CompanyName string `json:"companyName,omitempty"`
	Subdomain   string `json:"subdomain,omitempty"`
}

// Validate checks the bootstrap payload, returning a caller-facing message
// when a field is unacceptable.
func (req *BootstrapRequest) Validate() string {
	if strings.TrimSpace(req.Name) == "" {
		return "name is required"
	}
	email := NormalizeEmail(req.Email)
	if !strings.Contains(email, "@") || !strings.Contains(email, ".") {
		return "a valid email address is required"
	}
	if len(req.Password) < minPasswordLength {
		return "password must be at least 8 characters"
	}
	return ""
}

// Slugify converts a requested subdomain into a DNS-friendly label:
// lowercased, non-alphanumeric runs collapsed to a single dash, dashes
// trimmed, capped at 63 characters.
func Slugify(input string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(input) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSubdomainLength {
		slug = strings.Trim(slug[:maxSubdomainLength], "-")
	}
	return slug
}
