package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// PasscodeValidator checks room passcodes against a fixed-digit numeric pattern.
type PasscodeValidator struct {
	digits int
	re     *regexp.Regexp
}

func NewPasscodeValidator(digits int) *PasscodeValidator {
	return &PasscodeValidator{
		digits: digits,
		re:     regexp.MustCompile(fmt.Sprintf(`^\d{%d}$`, digits)),
	}
}

func (v *PasscodeValidator) Digits() int {
	return v.digits
}

// Validate validates a passcode
func (v *PasscodeValidator) Validate(passcode string) error {
	if passcode == "" {
		return fmt.Errorf("passcode is required")
	}
	if !v.re.MatchString(passcode) {
		return fmt.Errorf("passcode must be a %d-digit number", v.digits)
	}
	return nil
}

// RoomFromPath extracts the passcode segment of /room/<passcode> or /room/<passcode>/.
func RoomFromPath(path string) string {
	parts := strings.Split(path, "/")
	if n := len(parts); n > 0 {
		if last := parts[n-1]; last != "" {
			return last
		}
		if n > 1 {
			return parts[n-2]
		}
	}
	return ""
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
