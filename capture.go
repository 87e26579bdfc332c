package testserver

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"example.com/testserver/internal/logger"
)

// capture builds a snapshot of r. The body is read in full and r.Body is
// replaced by a reader over the same bytes, so downstream handlers see
// exactly what was captured. Sequence is left for the queue to assign.
func capture(r *http.Request, log *logger.Logger) CapturedRequest {
	c := CapturedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      captureQuery(r, log),
		Headers:    captureHeaders(r, log),
		RemoteAddr: r.RemoteAddr,
		ReceivedAt: time.Now(),
	}
	if c.Path == "" {
		c.Path = "/"
	}

	if r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			c.Partial = true
			log.Warn("Request body read failed, capturing partial body", logger.LogFields{
				"error":      err.Error(),
				"bytes_read": len(body),
				"path":       c.Path,
			})
		}
		r.Body.Close()
		c.Body = body
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	if c.Body == nil {
		c.Body = []byte{}
	}
	return c
}

func captureQuery(r *http.Request, log *logger.Logger) map[string]string {
	query, err := flattenQuery(r.URL.RawQuery)
	if err != nil {
		log.Warn("Malformed query string, capturing decodable pairs", logger.LogFields{
			"error":     err.Error(),
			"raw_query": r.URL.RawQuery,
		})
	}
	return query
}

func captureHeaders(r *http.Request, log *logger.Logger) map[string]string {
	headers, invalid := flattenHeaders(r)
	for _, key := range invalid {
		log.Warn("Header value is not valid UTF-8, capturing empty value", logger.LogFields{"header": key})
	}
	return headers
}

// RequestQuery flattens the query of r the way CapturedRequest.Query does:
// the last value of a repeated key wins and undecodable pairs are skipped.
func RequestQuery(r *http.Request) map[string]string {
	query, _ := flattenQuery(r.URL.RawQuery)
	return query
}

// RequestHeaders flattens the headers of r the way CapturedRequest.Headers
// does. Names are lower-cased, repeated values are joined with ", ", and a
// value that is not valid UTF-8 becomes "". Host and Transfer-Encoding,
// which net/http lifts out of r.Header, are restored.
func RequestHeaders(r *http.Request) map[string]string {
	headers, _ := flattenHeaders(r)
	return headers
}

func flattenQuery(rawQuery string) (map[string]string, error) {
	query := make(map[string]string)
	if rawQuery == "" {
		return query, nil
	}
	// ParseQuery keeps every pair it could decode even when it reports an
	// error for another.
	values, err := url.ParseQuery(rawQuery)
	for k, vs := range values {
		if len(vs) > 0 {
			query[k] = vs[len(vs)-1]
		}
	}
	return query, err
}

// flattenHeaders also returns the keys whose values were not valid UTF-8.
func flattenHeaders(r *http.Request) (map[string]string, []string) {
	headers := make(map[string]string, len(r.Header)+2)
	if r.Host != "" {
		headers["host"] = r.Host
	}
	if len(r.TransferEncoding) > 0 {
		headers["transfer-encoding"] = strings.Join(r.TransferEncoding, ", ")
	}
	var invalid []string
	for name, values := range r.Header {
		key := strings.ToLower(name)
		valid := true
		for _, v := range values {
			if !utf8.ValidString(v) {
				valid = false
				break
			}
		}
		if !valid {
			invalid = append(invalid, key)
			headers[key] = ""
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	sort.Strings(invalid)
	return headers, invalid
}
