package remote

import (
	"os"
	"strings"
)

// FileTokenSource reads the bearer token from a file on every call, so a
// credential refreshed by an external login flow is picked up without a
// restart. A missing or empty file means no credential.
type FileTokenSource struct {
	Path string
}

// CurrentToken implements transport.TokenSource.
func (f *FileTokenSource) CurrentToken() (string, bool) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(string(data))
	return token, token != ""
}

// StaticTokenSource returns a fixed token, mainly for tests and tooling.
type StaticTokenSource string

// CurrentToken implements transport.TokenSource.
func (s StaticTokenSource) CurrentToken() (string, bool) {
	return string(s), s != ""
}
