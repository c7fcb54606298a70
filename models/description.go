package models

import (
	"strconv"
	"strings"
)

// SoftwareDescription is a parsed CodeMeta / RO-Crate document.
// It is produced by the metadata extractor and never mutated afterwards.
//
// Example bare CodeMeta input:
//
//	{
//	  "@context": "https://w3id.org/codemeta/3.0",
//	  "@type": "SoftwareSourceCode",
//	  "name": "Demo Tool",
//	  "softwareRequirements": ["git", "python3"],
//	  "runtimePlatform": {"cpus": 4, "memory": "4G"}
//	}
type SoftwareDescription struct {
	// Source is the path or URL the document was read from
	Source string `json:"source"`

	// Root is the crate root directory; empty for a bare document
	Root string `json:"root,omitempty"`

	// Context is the raw JSON-LD @context (string, array, or object)
	Context interface{} `json:"@context,omitempty"`

	// Entities are the document's nodes in document order
	Entities []Entity `json:"entities"`

	// Config is the crate's configuration-file entity and its content
	Config *ConfigFile `json:"config,omitempty"`
}

// ConfigFile is a configuration file referenced by a SoftwareSourceCode
// entity inside an RO-Crate.
type ConfigFile struct {
	// ID is the entity @id as written in the manifest
	ID string `json:"@id"`

	// Path is the resolved absolute path inside the crate
	Path string `json:"path"`

	// Content is the raw file content
	Content []byte `json:"-"`
}

// IsCrate reports whether the description was loaded from an RO-Crate package.
func (d *SoftwareDescription) IsCrate() bool {
	return d.Root != ""
}

// Find returns the entity with the given @id, or nil.
func (d *SoftwareDescription) Find(id string) *Entity {
	for i := range d.Entities {
		if d.Entities[i].ID == id {
			return &d.Entities[i]
		}
	}
	return nil
}

// Primary returns the entity that describes the software itself.
//
// For crates this is the root data entity ("./"). Otherwise the first entity
// typed SoftwareSourceCode, SoftwareApplication or Dataset wins, falling back
// to the first entity in the document.
func (d *SoftwareDescription) Primary() *Entity {
	if len(d.Entities) == 0 {
		return nil
	}
	if d.IsCrate() {
		if root := d.Find("./"); root != nil {
			return root
		}
	}
	for _, want := range []string{"SoftwareSourceCode", "SoftwareApplication", "Dataset"} {
		for i := range d.Entities {
			if d.Entities[i].HasType(want) {
				return &d.Entities[i]
			}
		}
	}
	return &d.Entities[0]
}

// Entity is a single JSON-LD node.
type Entity struct {
	// ID is the node @id (may be empty for blank nodes)
	ID string `json:"@id,omitempty"`

	// Types is the node @type as a set
	Types []string `json:"@type,omitempty"`

	// Properties holds every other key of the node
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// HasType reports whether the entity carries the given type, accepting the
// compact, prefixed and full-IRI schema.org spellings.
func (e *Entity) HasType(name string) bool {
	for _, t := range e.Types {
		if LocalName(t) == name {
			return true
		}
	}
	return false
}

// Get returns a raw property value.
func (e *Entity) Get(key string) (interface{}, bool) {
	if e == nil || e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[key]
	return v, ok && v != nil
}

// String returns a property as a string. Numbers are formatted; anything else
// yields "".
func (e *Entity) String(key string) string {
	v, ok := e.Get(key)
	if !ok {
		return ""
	}
	return ScalarString(v)
}

// Object returns a property as a JSON object, or nil when absent or not an object.
func (e *Entity) Object(key string) map[string]interface{} {
	v, ok := e.Get(key)
	if !ok {
		return nil
	}
	return AsObject(v)
}

// LocalName strips a vocabulary prefix or IRI namespace from a type name.
func LocalName(t string) string {
	if i := strings.LastIndexAny(t, "/#"); i >= 0 && strings.Contains(t, "://") {
		return t[i+1:]
	}
	if i := strings.LastIndex(t, ":"); i >= 0 {
		return t[i+1:]
	}
	return t
}

// AsObject converts decoded JSON or YAML maps into map[string]interface{}.
func AsObject(v interface{}) map[string]interface{} {
	switch m := v.(type) {
	case map[string]interface{}:
		return m
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	}
	return nil
}

// ScalarString formats a decoded scalar as a string; non-scalars yield "".
func ScalarString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}
