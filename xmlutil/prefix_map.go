package xmlutil

import (
	"encoding/xml"
	"sort"
)

// PrefixMap is a prefix to namespace URI map. The empty prefix holds
// the default namespace.
type PrefixMap map[string]string

// NewPrefixMap returns a PrefixMap containing the namespace declarations
// among the passed XML attributes, whether decoded (Space "xmlns") or
// verbatim ("xmlns:prefix").
func NewPrefixMap(attrs ...xml.Attr) PrefixMap {
	pmap := PrefixMap{}
	for _, attr := range attrs {
		switch pfx, local := SplitQName(attr.Name); {
		case pfx == "xmlns":
			pmap[local] = attr.Value
		case pfx == "" && local == "xmlns":
			pmap[""] = attr.Value
		}
	}
	return pmap
}

// Attr returns the prefix map contents as a series of verbatim
// xmlns:<prefix>=<nsuri> attributes (xmlns=<nsuri> for the default
// namespace), sorted lexically by prefix.
func (m PrefixMap) Attr() (a []xml.Attr) {
	for k, v := range m {
		name := "xmlns"
		if k != "" {
			name = QName(name, k).Local
		}
		a = append(a, Attr(name, v))
	}
	if len(a) > 0 {
		// sort lexically by prefix
		sort.Slice(a, func(i int, j int) bool { return a[i].Name.Local < a[j].Name.Local })
	}
	return a
}

// Namespace returns the namespace URI for the given prefix
func (m PrefixMap) Namespace(prefix string) string { return m[prefix] }
