package protocol

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/objectfs/fdfs/pkg/errors"
)

// Charset converts between Go strings and the byte encoding used on the wire
// for group names, file names, extensions and metadata.
type Charset struct {
	name string
	enc  encoding.Encoding // nil means UTF-8 pass-through
}

// UTF8 is the default charset.
var UTF8 = &Charset{name: "utf-8"}

// LookupCharset resolves a charset label such as "UTF-8", "utf8", "gbk" or
// "ISO-8859-1".
func LookupCharset(label string) (*Charset, error) {
	if label == "" {
		return UTF8, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnsupportedCharset, "unsupported charset "+label)
	}
	name, _ := htmlindex.Name(enc)
	if strings.EqualFold(name, "utf-8") {
		return UTF8, nil
	}
	return &Charset{name: name, enc: enc}, nil
}

// Name returns the canonical charset name.
func (c *Charset) Name() string {
	return c.name
}

// Encode converts s to wire bytes.
func (c *Charset) Encode(s string) ([]byte, error) {
	if c == nil || c.enc == nil {
		return []byte(s), nil
	}
	b, err := c.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnsupportedCharset, "cannot encode in "+c.name)
	}
	return b, nil
}

// Decode converts wire bytes to a string. Invalid input is replaced rather
// than rejected.
func (c *Charset) Decode(b []byte) string {
	if c == nil || c.enc == nil {
		if utf8.Valid(b) {
			return string(b)
		}
		return strings.ToValidUTF8(string(b), "�")
	}
	s, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// DecodeField decodes a fixed-width field and strips its padding.
func (c *Charset) DecodeField(b []byte) string {
	return Trim(c.Decode(b))
}
