package transfer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

const tokenVersion = 1

// ResumeToken captures everything the engine needs to continue an
// interrupted byte-range transfer. Tokens are produced and consumed only by
// the engine; callers treat the encoded form as opaque.
type ResumeToken struct {
	Version      int    `json:"v"`
	URL          string `json:"url"`
	Path         string `json:"path"`
	Offset       int64  `json:"offset"`
	TotalBytes   int64  `json:"totalBytes"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

// NewResumeToken builds a version-tagged token for the given transfer state.
func NewResumeToken(url, path string, offset, totalBytes int64, etag, lastModified string, createdAt int64) *ResumeToken {
	return &ResumeToken{
		Version:      tokenVersion,
		URL:          url,
		Path:         path,
		Offset:       offset,
		TotalBytes:   totalBytes,
		ETag:         etag,
		LastModified: lastModified,
		CreatedAt:    createdAt,
	}
}

// Encode serializes the token as base64url(JSON) followed by a CRC-32
// integrity suffix. The suffix lets Decode reject truncated or hand-edited
// tokens before the engine acts on them.
func (t *ResumeToken) Encode() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal resume token: %w", err)
	}

	body := base64.RawURLEncoding.EncodeToString(raw)
	sum := crc32.ChecksumIEEE([]byte(body))

	return body + "." + strconv.FormatUint(uint64(sum), 16), nil
}

// DecodeResumeToken parses and validates an encoded resume token. It returns
// a *TokenError (recoverable) on any integrity or version failure.
func DecodeResumeToken(encoded string) (*ResumeToken, error) {
	body, sumPart, ok := strings.Cut(encoded, ".")
	if !ok || body == "" {
		return nil, &TokenError{Reason: "missing integrity suffix"}
	}

	sum, err := strconv.ParseUint(sumPart, 16, 32)
	if err != nil {
		return nil, &TokenError{Reason: "malformed integrity suffix", Err: err}
	}

	if crc32.ChecksumIEEE([]byte(body)) != uint32(sum) {
		return nil, &TokenError{Reason: "integrity check failed"}
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, &TokenError{Reason: "malformed token body", Err: err}
	}

	var t ResumeToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &TokenError{Reason: "malformed token payload", Err: err}
	}

	if t.Version != tokenVersion {
		return nil, &TokenError{Reason: fmt.Sprintf("unsupported token version %d", t.Version)}
	}

	if t.Offset < 0 || t.URL == "" || t.Path == "" {
		return nil, &TokenError{Reason: "incomplete token payload"}
	}

	return &t, nil
}
