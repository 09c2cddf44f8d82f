package importer

import (
	"bytes"
	"errors"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrUndecodable is returned for bytes that are not text.
var ErrUndecodable = errors.New("content is not valid UTF-8 or UTF-16 text")

// DecodeText turns raw file bytes into a string. UTF-16 with a byte order
// mark is converted, a UTF-8 BOM is dropped, and anything else must already
// be valid UTF-8 without NUL bytes.
func DecodeText(data []byte) (string, error) {
	out, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), data)
	if err != nil {
		return "", errors.Join(ErrUndecodable, err)
	}
	if !utf8.Valid(out) || bytes.IndexByte(out, 0) >= 0 {
		return "", ErrUndecodable
	}
	return string(out), nil
}
