package core

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// fingerprintPayload is the canonical form of the classification-relevant
// request fields. Header keys are lower-cased and the map is emitted with
// sorted keys by encoding/json, so two requests that differ only in header
// casing or field order produce the same fingerprint.
type fingerprintPayload struct {
	Text    string            `json:"text"`
	Path    string            `json:"httpPath"`
	Method  string            `json:"httpMethod"`
	Headers map[string]string `json:"headers"`
}

// Fingerprint derives the cache key for a classification request:
// the hex MD5 digest of the canonical JSON form.
func Fingerprint(text, path, method string, headers map[string]string) string {
	canonical := make(map[string]string, len(headers))
	for k, v := range headers {
		canonical[strings.ToLower(k)] = v
	}

	payload := fingerprintPayload{
		Text:    text,
		Path:    path,
		Method:  strings.ToUpper(method),
		Headers: canonical,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		// Marshal of string maps cannot fail; fall back to raw concatenation
		// so the cache still keys deterministically.
		keys := make([]string, 0, len(canonical))
		for k := range canonical {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(text)
		b.WriteString(path)
		b.WriteString(method)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString(canonical[k])
		}
		data = []byte(b.String())
	}

	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
