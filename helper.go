package testserver

import (
	"fmt"
	"os"

	"github.com/samber/lo"
)

// RandomString returns n random ASCII letters and digits, handy for unique
// paths, header values and bodies. It returns "" for n <= 0.
func RandomString(n int) string {
	if n <= 0 {
		return ""
	}
	return lo.RandomString(n, lo.AlphanumericCharset)
}

// ReadFile returns the content of the file at path, typically a response
// body or an expected request payload kept next to a test.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("testserver: read %s: %w", path, err)
	}
	return string(data), nil
}
