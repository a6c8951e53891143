package broker

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmptyToken is returned when the token file is missing or blank.
var ErrEmptyToken = errors.New("access token missing or empty")

// LoadToken reads a bearer token from path. Surrounding whitespace is trimmed.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied token path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s not found", ErrEmptyToken, path)
		}
		return "", fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyToken, path)
	}
	return token, nil
}
