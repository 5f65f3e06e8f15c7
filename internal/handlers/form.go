package handlers

import (
	"net/url"
)

// parseForm decodes an x-www-form-urlencoded body.
func parseForm(body string) (url.Values, error) {
	return url.ParseQuery(body)
}
