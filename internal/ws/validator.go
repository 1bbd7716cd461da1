package ws

import (
	"errors"
	"fmt"
	"net/url"
	"unicode/utf8"
)

// DefaultMaxPageBytes caps the HTML accepted by load_page and /v1/redact.
const DefaultMaxPageBytes = 2 << 20

var ErrInvalidPage = errors.New("invalid page")

// ValidatePage checks a submitted page before it is parsed.
func ValidatePage(pageURL, html string, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPageBytes
	}
	if len(html) > maxBytes {
		return fmt.Errorf("%w: html exceeds %d byte limit", ErrInvalidPage, maxBytes)
	}
	if !utf8.ValidString(html) {
		return fmt.Errorf("%w: html contains invalid UTF-8", ErrInvalidPage)
	}
	if pageURL != "" {
		if _, err := url.Parse(pageURL); err != nil {
			return fmt.Errorf("%w: bad url: %v", ErrInvalidPage, err)
		}
	}
	return nil
}

// ValidateFragment checks HTML or text carried by a mutate message.
func ValidateFragment(s string, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPageBytes
	}
	if len(s) > maxBytes {
		return fmt.Errorf("%w: fragment exceeds %d byte limit", ErrInvalidPage, maxBytes)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: fragment contains invalid UTF-8", ErrInvalidPage)
	}
	return nil
}
