package headers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
)

// ApplyQueryParam appends the credential's query param to rawURL, used when
// the chosen credential's placement is `query`.
func ApplyQueryParam(rawURL, param, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("headers: parsing outbound url: %w", err)
	}
	q := u.Query()
	q.Set(param, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// MergeBodyField merges field=value into a JSON request body, used when the
// chosen credential's placement is `body`. Per spec this placement only
// applies to JSON bodies: an empty body is treated as `{}` and becomes a
// one-field object, and a body that is not a JSON object is returned
// unchanged together with an error.
func MergeBodyField(body []byte, field, value string) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, fmt.Errorf("headers: body is not a JSON object, cannot merge credential field: %w", err)
	}
	doc[field] = value
	return json.Marshal(doc)
}
