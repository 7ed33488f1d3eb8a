package form

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var defaultTemplates []byte

// FieldType is the input kind of a form field. It drives value coercion.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldEmail    FieldType = "email"
	FieldTel      FieldType = "tel"
	FieldNumber   FieldType = "number"
	FieldBoolean  FieldType = "boolean"
	FieldTextarea FieldType = "textarea"
	FieldSelect   FieldType = "select"
)

// IsValid reports whether t is a known field type.
func (t FieldType) IsValid() bool {
	switch t {
	case FieldText, FieldEmail, FieldTel, FieldNumber, FieldBoolean, FieldTextarea, FieldSelect:
		return true
	}
	return false
}

// FieldDef is one field of a [Template].
type FieldDef struct {
	Name     string    `yaml:"name"     json:"name"`
	Type     FieldType `yaml:"type"     json:"type"`
	Required bool      `yaml:"required" json:"required"`
	Pattern  string    `yaml:"pattern"  json:"pattern,omitempty"`

	re *regexp.Regexp
}

// Match reports whether value satisfies the field's pattern. Fields without a
// pattern accept anything.
func (d FieldDef) Match(value string) bool {
	if d.re == nil {
		return true
	}
	return d.re.MatchString(value)
}

// Template is a named, ordered list of field definitions.
type Template struct {
	Type   string     `yaml:"type"   json:"type"`
	Fields []FieldDef `yaml:"fields" json:"fields"`
}

// catalogFile is the YAML layout of a template catalog.
type catalogFile struct {
	Templates []Template `yaml:"templates"`
}

// Catalog is an immutable set of templates keyed by form type.
type Catalog struct {
	order     []string
	templates map[string]Template
}

// DefaultCatalog returns the bundled contact, registration, feedback and
// survey templates.
func DefaultCatalog() *Catalog {
	c, err := parseCatalog(bytes.NewReader(defaultTemplates))
	if err != nil {
		panic(fmt.Sprintf("form: bundled templates: %v", err))
	}
	return c
}

// LoadCatalogFile reads a catalog from a YAML file on disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("form: open catalog %q: %w", path, err)
	}
	defer f.Close()

	c, err := LoadCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("form: parse catalog %q: %w", path, err)
	}
	return c, nil
}

// LoadCatalog parses and validates a catalog from r. Unknown keys, unknown
// field types, duplicate names and patterns that do not compile are errors.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	return parseCatalog(r)
}

func parseCatalog(r io.Reader) (*Catalog, error) {
	var cf catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("form: catalog is empty")
		}
		return nil, fmt.Errorf("form: decode catalog: %w", err)
	}

	c := &Catalog{templates: make(map[string]Template, len(cf.Templates))}
	var errs []error
	for i, t := range cf.Templates {
		if t.Type == "" {
			errs = append(errs, fmt.Errorf("templates[%d]: type is required", i))
			continue
		}
		if _, dup := c.templates[t.Type]; dup {
			errs = append(errs, fmt.Errorf("templates[%d]: duplicate type %q", i, t.Type))
			continue
		}
		if len(t.Fields) == 0 {
			errs = append(errs, fmt.Errorf("template %q: no fields", t.Type))
			continue
		}
		seen := make(map[string]bool, len(t.Fields))
		for j := range t.Fields {
			f := &t.Fields[j]
			if f.Type == "" {
				f.Type = FieldText
			}
			switch {
			case f.Name == "":
				errs = append(errs, fmt.Errorf("template %q field %d: name is required", t.Type, j))
			case seen[f.Name]:
				errs = append(errs, fmt.Errorf("template %q: duplicate field %q", t.Type, f.Name))
			case !f.Type.IsValid():
				errs = append(errs, fmt.Errorf("template %q field %q: unknown type %q", t.Type, f.Name, f.Type))
			}
			seen[f.Name] = true
			if f.Pattern != "" {
				re, err := regexp.Compile(f.Pattern)
				if err != nil {
					errs = append(errs, fmt.Errorf("template %q field %q: pattern: %w", t.Type, f.Name, err))
					continue
				}
				f.re = re
			}
		}
		c.order = append(c.order, t.Type)
		c.templates[t.Type] = t
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("form: invalid catalog: %w", err)
	}
	return c, nil
}

// Types returns the form types in catalog order.
func (c *Catalog) Types() []string {
	return append([]string(nil), c.order...)
}

// Template returns the template for formType.
func (c *Catalog) Template(formType string) (Template, bool) {
	t, ok := c.templates[formType]
	return t, ok
}

// Templates returns every template in catalog order.
func (c *Catalog) Templates() []Template {
	out := make([]Template, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.templates[name])
	}
	return out
}
