// Package validation содержит функции валидации входных данных.
package validation

import "regexp"

var phonePattern = regexp.MustCompile(`^\+971[0-9]{9}$`)

// IsValidPhone проверяет соответствие номера телефона региональному формату UAE.
func IsValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}
