package reader

import "strings"

// BuildEndpoint expands an endpoint template by substituting $URL with the
// venue base URL and $TOKEN with the token symbol.
func BuildEndpoint(template, baseURL, token string) string {
	s := strings.ReplaceAll(template, "$URL", baseURL)
	return strings.ReplaceAll(s, "$TOKEN", token)
}
