// Package saf builds Simple Archive Format packages: one directory per
// metadata row, holding the referenced document, a dublin_core.xml
// metadata descriptor, and a contents manifest. The layout is what a
// downstream repository ingest expects to swallow whole.
package saf

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/curatelib/safsuite/csvmeta"
)

const (
	// DescriptorName is the metadata descriptor file inside each package.
	DescriptorName = "dublin_core.xml"
	// ManifestName lists the package contents, one relative name per line.
	ManifestName = "contents"
)

// A Package describes one assembled package directory.
type Package struct {
	ID       string // the directory name, e.g. "item_007"
	Dir      string // absolute path of the package directory
	Document string // document file name inside the package
	Source   string // path the document was copied from
	MD5      []byte // md5 of the copied document
	Metadata []csvmeta.Value
	Skipped  bool // true when an existing complete package was kept
}

// PackageID formats the sequential package identifier.
func PackageID(n int) string {
	return fmt.Sprintf("item_%03d", n)
}

// xml shapes for the descriptor file

type dcFile struct {
	XMLName xml.Name  `xml:"dublin_core"`
	Schema  string    `xml:"schema,attr"`
	Values  []dcValue `xml:"dcvalue"`
}

type dcValue struct {
	Element   string `xml:"element,attr"`
	Qualifier string `xml:"qualifier,attr,omitempty"`
	Language  string `xml:"language,attr,omitempty"`
	Value     string `xml:",chardata"`
}

// writeDescriptor writes the dublin_core.xml for the given metadata values.
// Dublin Core columns keep their element/qualifier/language split;
// extension columns are carried with their raw name as the element so
// nothing from the CSV is dropped.
func writeDescriptor(w io.Writer, values []csvmeta.Value) error {
	doc := dcFile{Schema: "dc"}
	for _, v := range values {
		dv := dcValue{Value: v.Value}
		if v.Field.IsMetadata() {
			dv.Element = v.Field.Element
			dv.Qualifier = v.Field.Qualifier
			dv.Language = v.Field.Language
		} else {
			dv.Element = v.Field.Name()
		}
		doc.Values = append(doc.Values, dv)
	}
	buf, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s%s\n", xml.Header, buf)
	return err
}

// writeManifest writes the contents file: the document first, then the
// descriptor, in that fixed order.
func writeManifest(w io.Writer, document string) error {
	_, err := fmt.Fprintf(w, "%s\n%s\n", document, DescriptorName)
	return err
}

// ReadPackage reads a package directory back into a Package. It is used to
// decide whether an existing package is complete, and by tests to verify
// the round trip.
func ReadPackage(dir string) (*Package, error) {
	p := &Package{
		ID:  filepath.Base(dir),
		Dir: dir,
	}

	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, errors.Wrap(err, "reading package manifest")
	}
	names := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(names) != 2 || names[1] != DescriptorName {
		return nil, errors.Errorf("unexpected manifest in %s: %q", dir, names)
	}
	p.Document = names[0]
	if _, err := os.Stat(filepath.Join(dir, p.Document)); err != nil {
		return nil, errors.Wrap(err, "package document")
	}

	raw, err = os.ReadFile(filepath.Join(dir, DescriptorName))
	if err != nil {
		return nil, errors.Wrap(err, "reading package descriptor")
	}
	var doc dcFile
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing package descriptor")
	}
	for _, dv := range doc.Values {
		// rebuild the dotted header so ParseHeader gives back the same
		// Field the CSV produced. Extension columns were written with
		// their raw name as the element and nothing else set.
		name := dv.Element
		if dv.Qualifier != "" || dv.Language != "" || knownElement(name) {
			name = "dc." + name
			if dv.Qualifier != "" {
				name += "." + dv.Qualifier
			}
			if dv.Language != "" {
				name += "[" + dv.Language + "]"
			}
		}
		p.Metadata = append(p.Metadata, csvmeta.Value{
			Field: csvmeta.ParseHeader(name),
			Value: dv.Value,
		})
	}
	return p, nil
}

// knownElement reports whether name is a Dublin Core element. Extension
// columns never collide with these in practice; if one does, it reads
// back as a DC field.
func knownElement(name string) bool {
	i := sort.SearchStrings(dcElements, name)
	return i < len(dcElements) && dcElements[i] == name
}

// the fifteen Dublin Core elements, sorted for binary search
var dcElements = []string{
	"contributor", "coverage", "creator", "date", "description",
	"format", "identifier", "language", "publisher", "relation",
	"rights", "source", "subject", "title", "type",
}
