package csvmeta

import (
	"strings"
)

// A Field describes one CSV column. Metadata columns use the form
//
//	<schema>.<element>[.<qualifier>][ "[" <language> "]" ]
//
// for example "dc.title", "dc.date.issued", or "dc.subject.lcsh[en]".
// Columns which do not follow this form are kept as extension fields with
// an empty Schema; they pass through untouched rather than being dropped.
type Field struct {
	Schema    string // "dc" for Dublin Core columns, "" for extensions
	Element   string
	Qualifier string
	Language  string
	Raw       string // the header exactly as it appeared in the CSV
}

// FilenameColumn is the one required column in every metadata CSV.
const FilenameColumn = "filename"

// ParseHeader parses a single CSV column header into a Field.
func ParseHeader(header string) Field {
	f := Field{Raw: header}
	name := strings.TrimSpace(header)

	// peel off a trailing language tag, e.g. [en]
	if i := strings.IndexByte(name, '['); i >= 0 && strings.HasSuffix(name, "]") {
		f.Language = name[i+1 : len(name)-1]
		name = name[:i]
	}

	schema, rest, ok := strings.Cut(name, ".")
	if !ok || schema != "dc" || rest == "" {
		// not a metadata column. Keep the language tag out of Raw-based
		// matching by clearing it again.
		f.Language = ""
		return f
	}
	f.Schema = schema
	f.Element, f.Qualifier, _ = strings.Cut(rest, ".")
	return f
}

// IsMetadata reports whether this column carries namespaced metadata.
func (f Field) IsMetadata() bool {
	return f.Schema != ""
}

// IsFilename reports whether this is the required filename column.
func (f Field) IsFilename() bool {
	return strings.TrimSpace(f.Raw) == FilenameColumn
}

// Name returns the dotted field name without any language tag.
func (f Field) Name() string {
	if !f.IsMetadata() {
		return strings.TrimSpace(f.Raw)
	}
	name := f.Schema + "." + f.Element
	if f.Qualifier != "" {
		name += "." + f.Qualifier
	}
	return name
}
