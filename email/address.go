package email

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"
)

// simpleAddress is deliberately loose: local part, "@", a domain holding at
// least one dot, and no second "@". It is not RFC 5322 validation.
var simpleAddress = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)

// SplitAddresses turns a comma-delimited string into a slice of trimmed
// entries. An empty string yields no entries.
func SplitAddresses(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// normalizeList flattens a string-or-sequence field into one ordered slice.
// Every entry is split on commas so a caller can pass either form. A nil
// slice, or one holding a single empty string, means the field was left
// blank.
func normalizeList(values []string) []string {
	if len(values) == 0 || (len(values) == 1 && strings.TrimSpace(values[0]) == "") {
		return nil
	}
	var out []string
	for _, v := range values {
		if v == "" {
			// still an entry the caller supplied, and an invalid one
			out = append(out, "")
			continue
		}
		out = append(out, SplitAddresses(v)...)
	}
	return out
}

// bareAddress drops any display name from entry. Entries that aren't clean
// RFC 5322 (a trailing dot, say) are taken as written, or as the part
// inside the angle brackets.
func bareAddress(entry string) string {
	if addr, err := mail.ParseAddress(entry); err == nil {
		return addr.Address
	}
	s := strings.TrimSpace(entry)
	if i := strings.LastIndex(s, "<"); i >= 0 && strings.HasSuffix(s, ">") {
		return strings.TrimSpace(s[i+1 : len(s)-1])
	}
	return s
}

// validateSimple extracts the bare address from entry and checks it against
// simpleAddress.
func validateSimple(field, entry string) (string, error) {
	addr := bareAddress(entry)
	if !simpleAddress.MatchString(addr) {
		return "", &ValidationError{
			Field:  field,
			Value:  entry,
			Reason: fmt.Sprintf("Invalid email :%v", entry),
		}
	}
	return addr, nil
}

// validateList normalizes and validates an optional address field.
func validateList(field string, values []string) ([]string, error) {
	entries := normalizeList(values)
	if len(entries) == 0 {
		return []string{}, nil
	}
	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		a, err := validateSimple(field, e)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}
