package common

import (
	"encoding/base64"
	"strings"
)

// DecodeBase64 decodes standard base64 with or without trailing padding.
func DecodeBase64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
