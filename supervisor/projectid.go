package supervisor

import (
	"encoding/base64"
	"fmt"
)

// EncodeProjectID turns a filesystem path into a URL-safe opaque project
// identifier. The encoding is injective and reversible.
func EncodeProjectID(path string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(path))
}

// DecodeProjectID recovers the path a project identifier was built from.
func DecodeProjectID(id string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("invalid project id %q: %w", id, err)
	}
	return string(data), nil
}
