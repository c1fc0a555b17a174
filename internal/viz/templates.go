package viz

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/roach88/vizq/internal/params"
	"github.com/roach88/vizq/internal/payload"
)

// DefaultTemplate is the built-in template name. It always exists and
// holds the factory defaults unless a file of the same name overrides it.
const DefaultTemplate = "default"

// TemplateExt is the template file extension.
const TemplateExt = ".jsonc"

// Template is a named starting bundle.
type Template struct {
	Name        string
	Description string
	Params      params.Bundle
}

// templateFile is the on-disk layout: a description and a set of
// parameter overrides applied on top of the factory defaults.
//
//	{
//	  // shallow survey view
//	  "description": "Inline 1200 overview",
//	  "parameters": {"z_position": 1800, "z_visible": true},
//	}
type templateFile struct {
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ParseTemplate parses JSONC template content. name becomes the template
// name.
func ParseTemplate(name string, data []byte) (Template, error) {
	var f templateFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return Template{}, fmt.Errorf("parsing template %s: %w", name, err)
	}
	overrides, err := payload.Decode(f.Parameters)
	if err != nil {
		return Template{}, fmt.Errorf("parsing template %s parameters: %w", name, err)
	}
	b, err := params.FromMap(overrides)
	if err != nil {
		return Template{}, fmt.Errorf("template %s: %w", name, err)
	}
	return Template{Name: name, Description: f.Description, Params: b}, nil
}

// ReadTemplateFile reads and parses one template file.
func ReadTemplateFile(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseTemplate(NameFromPath(path), data)
}

// NameFromPath strips the directory and extension from a template path.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Catalog is the set of templates available from a directory.
//
// Thread-safety: all methods are safe for concurrent use.
type Catalog struct {
	dir string

	mu        sync.RWMutex
	templates map[string]Template
}

// LoadCatalog scans dir for *.jsonc templates. An empty or missing dir
// yields only the built-in default. A file that does not parse fails the
// load.
func LoadCatalog(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload rescans the directory. On error the previous contents are kept.
func (c *Catalog) Reload() error {
	templates := map[string]Template{
		DefaultTemplate: {Name: DefaultTemplate, Description: "factory defaults", Params: params.Defaults()},
	}

	if c.dir != "" {
		paths, err := filepath.Glob(filepath.Join(c.dir, "*"+TemplateExt))
		if err != nil {
			return fmt.Errorf("scanning templates: %w", err)
		}
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil || info.IsDir() {
				continue
			}
			tmpl, err := ReadTemplateFile(p)
			if err != nil {
				return err
			}
			templates[tmpl.Name] = tmpl
		}
	}

	c.mu.Lock()
	c.templates = templates
	c.mu.Unlock()
	return nil
}

// Dir is the scanned directory.
func (c *Catalog) Dir() string { return c.dir }

// Get returns a template by name.
func (c *Catalog) Get(name string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name]
	return t, ok
}

// Names lists template names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for n := range c.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
