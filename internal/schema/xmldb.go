package schema

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type xmlDocument struct {
	XMLName xml.Name   `xml:"XMLDB"`
	Path    string     `xml:"PATH,attr,omitempty"`
	Version string     `xml:"VERSION,attr,omitempty"`
	Comment string     `xml:"COMMENT,attr,omitempty"`
	Tables  []xmlTable `xml:"TABLES>TABLE"`
}

type xmlTable struct {
	Name      string     `xml:"NAME,attr"`
	Comment   string     `xml:"COMMENT,attr,omitempty"`
	Component string     `xml:"COMPONENT,attr,omitempty"`
	Fields    []xmlField `xml:"FIELDS>FIELD"`
	Keys      []xmlKey   `xml:"KEYS>KEY"`
	Indexes   []xmlIndex `xml:"INDEXES>INDEX"`
}

type xmlField struct {
	Name     string  `xml:"NAME,attr"`
	Type     string  `xml:"TYPE,attr"`
	Length   string  `xml:"LENGTH,attr,omitempty"`
	Decimals string  `xml:"DECIMALS,attr,omitempty"`
	NotNull  string  `xml:"NOTNULL,attr"`
	Default  *string `xml:"DEFAULT,attr"`
	Sequence string  `xml:"SEQUENCE,attr"`
	Comment  string  `xml:"COMMENT,attr,omitempty"`
}

type xmlKey struct {
	Name      string `xml:"NAME,attr"`
	Type      string `xml:"TYPE,attr"`
	Fields    string `xml:"FIELDS,attr"`
	RefTable  string `xml:"REFTABLE,attr,omitempty"`
	RefFields string `xml:"REFFIELDS,attr,omitempty"`
	Comment   string `xml:"COMMENT,attr,omitempty"`
}

type xmlIndex struct {
	Name    string `xml:"NAME,attr"`
	Unique  string `xml:"UNIQUE,attr"`
	Fields  string `xml:"FIELDS,attr"`
	Comment string `xml:"COMMENT,attr,omitempty"`
}

// ParseDocument reads a declarative schema document. component labels every
// table that does not name its own owner.
func ParseDocument(r io.Reader, component string) ([]*Table, error) {
	var doc xmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode schema document: %w", err)
	}
	if component == "" {
		component = doc.Path
	}

	tables := make([]*Table, 0, len(doc.Tables))
	for _, xt := range doc.Tables {
		t := NewTable(strings.ToLower(xt.Name))
		t.Comment = xt.Comment
		t.Component = xt.Component
		if t.Component == "" {
			t.Component = component
		}

		for _, xf := range xt.Fields {
			f, err := xf.toField()
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", t.Name, err)
			}
			t.Fields = append(t.Fields, f)
		}
		for _, xk := range xt.Keys {
			t.Keys = append(t.Keys, &Key{
				Name:      xk.Name,
				Type:      KeyType(xk.Type),
				Fields:    splitList(xk.Fields),
				RefTable:  xk.RefTable,
				RefFields: splitList(xk.RefFields),
				Comment:   xk.Comment,
			})
		}
		for _, xi := range xt.Indexes {
			t.Indexes = append(t.Indexes, &Index{
				Name:    xi.Name,
				Unique:  xi.Unique == "true",
				Fields:  splitList(xi.Fields),
				Comment: xi.Comment,
			})
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func (xf xmlField) toField() (*Field, error) {
	f := &Field{
		Name:     strings.ToLower(xf.Name),
		Type:     FieldType(xf.Type),
		NotNull:  xf.NotNull == "true",
		Sequence: xf.Sequence == "true",
		Comment:  xf.Comment,
	}
	var err error
	if xf.Length != "" {
		if f.Length, err = strconv.Atoi(xf.Length); err != nil {
			return nil, fmt.Errorf("field %s: invalid LENGTH %q", xf.Name, xf.Length)
		}
	}
	if xf.Decimals != "" {
		if f.Decimals, err = strconv.Atoi(xf.Decimals); err != nil {
			return nil, fmt.Errorf("field %s: invalid DECIMALS %q", xf.Name, xf.Decimals)
		}
	}
	if xf.Default != nil {
		f.Default = StringPtr(*xf.Default)
	}
	if f.Type == FieldTypeFloat && f.Length > MaxFloatLength {
		f.Length = MaxFloatLength
	}
	clearEmptyCharDefault(f)
	return f, nil
}

// RenderDocument writes tables as one declarative schema document
func RenderDocument(w io.Writer, comment string, tables []*Table) error {
	doc := xmlDocument{Comment: comment, Tables: make([]xmlTable, 0, len(tables))}
	for _, t := range tables {
		xt := xmlTable{Name: t.Name, Comment: t.Comment, Component: t.Component}
		for _, f := range t.Fields {
			xf := xmlField{
				Name:     f.Name,
				Type:     string(f.Type),
				NotNull:  strconv.FormatBool(f.NotNull),
				Sequence: strconv.FormatBool(f.Sequence),
				Default:  f.Default,
				Comment:  f.Comment,
			}
			if f.Length > 0 {
				xf.Length = strconv.Itoa(f.Length)
			}
			if f.Decimals > 0 {
				xf.Decimals = strconv.Itoa(f.Decimals)
			}
			xt.Fields = append(xt.Fields, xf)
		}
		for _, k := range t.Keys {
			xt.Keys = append(xt.Keys, xmlKey{
				Name:      k.Name,
				Type:      string(k.Type),
				Fields:    strings.Join(k.Fields, ", "),
				RefTable:  k.RefTable,
				RefFields: strings.Join(k.RefFields, ", "),
				Comment:   k.Comment,
			})
		}
		for _, i := range t.Indexes {
			xt.Indexes = append(xt.Indexes, xmlIndex{
				Name:    i.Name,
				Unique:  strconv.FormatBool(i.Unique),
				Fields:  strings.Join(i.Fields, ", "),
				Comment: i.Comment,
			})
		}
		doc.Tables = append(doc.Tables, xt)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode schema document: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
