package model

import "strings"

// UID is the unique document key within a shard. It is derived
// deterministically from the document type and id.
type UID string

const (
	uidDelimiter = '#'
	uidEscape    = '\\'
)

var typeEscaper = strings.NewReplacer(`\`, `\\`, "#", `\#`)

// NewUID builds the UID for a (type, id) pair. Delimiters and escapes in
// the type are escaped, so distinct pairs never share a UID. The id is
// kept verbatim.
func NewUID(typ, id string) UID {
	return UID(typeEscaper.Replace(typ) + string(uidDelimiter) + id)
}

// Split returns the type and id the UID was built from. A UID without an
// unescaped delimiter is all id.
func (u UID) Split() (typ, id string) {
	s := string(u)
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == uidEscape && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		case c == uidDelimiter:
			return b.String(), s[i+1:]
		default:
			b.WriteByte(c)
		}
	}
	return "", s
}

func (u UID) String() string { return string(u) }

// Document is a live document as seen by a searcher.
type Document struct {
	UID     UID
	Version uint64
	Source  []byte
}
