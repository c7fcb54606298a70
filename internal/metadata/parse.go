package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"evalgo.org/vmcrate/models"
)

// parseDocument decodes JSON (comments and trailing commas tolerated) or
// YAML into a SoftwareDescription. Values are always normalised to the
// encoding/json representation so downstream code sees float64 numbers and
// map[string]interface{} objects regardless of the input format.
func parseDocument(data []byte, source string) (*models.SoftwareDescription, error) {
	var doc interface{}

	if isYAMLName(source) {
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, models.NewError(models.KindMalformedDocument, fmt.Sprintf("%s is not valid YAML", source), err)
		}
		normalised, err := json.Marshal(raw)
		if err != nil {
			return nil, models.NewError(models.KindMalformedDocument, fmt.Sprintf("%s cannot be represented as JSON", source), err)
		}
		data = normalised
	} else {
		data = jsonc.ToJSON(data)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, models.NewError(models.KindMalformedDocument, fmt.Sprintf("%s is not valid JSON", source), err)
	}
	if dec.More() {
		return nil, models.Errorf(models.KindMalformedDocument, "%s has trailing data after the document", source)
	}

	var (
		desc  = &models.SoftwareDescription{Source: source}
		nodes []interface{}
	)
	switch t := doc.(type) {
	case []interface{}:
		// Top-level array of node objects (expanded or flattened form)
		nodes = t
	case map[string]interface{}:
		desc.Context = t["@context"]
		graph, hasGraph := t["@graph"]
		if !hasGraph {
			desc.Entities = []models.Entity{toEntity(t)}
			return desc, nil
		}
		switch g := graph.(type) {
		case []interface{}:
			nodes = g
		case map[string]interface{}:
			nodes = []interface{}{g}
		default:
			return nil, models.Errorf(models.KindMalformedDocument, "%s: @graph must be an array of objects", source)
		}
	default:
		return nil, models.Errorf(models.KindMalformedDocument, "%s must contain a JSON object or array, got %s", source, describe(doc))
	}

	for i, n := range nodes {
		node, ok := n.(map[string]interface{})
		if !ok {
			return nil, models.Errorf(models.KindMalformedDocument, "%s: @graph[%d] is %s, expected an object", source, i, describe(n))
		}
		if desc.Context == nil {
			desc.Context = node["@context"]
		}
		desc.Entities = append(desc.Entities, toEntity(node))
	}

	return desc, nil
}

func toEntity(node map[string]interface{}) models.Entity {
	e := models.Entity{Properties: make(map[string]interface{}, len(node))}
	for k, v := range node {
		switch k {
		case "@id":
			e.ID = models.ScalarString(v)
		case "@type":
			e.Types = typeSet(v)
		case "@context", "@graph":
		default:
			e.Properties[k] = v
		}
	}
	return e
}

func typeSet(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// toDocument rebuilds an expanded-ready JSON-LD document from a description.
func toDocument(desc *models.SoftwareDescription) map[string]interface{} {
	graph := make([]interface{}, 0, len(desc.Entities))
	for _, e := range desc.Entities {
		node := make(map[string]interface{}, len(e.Properties)+2)
		for k, v := range e.Properties {
			node[k] = v
		}
		if e.ID != "" {
			node["@id"] = e.ID
		}
		if len(e.Types) > 0 {
			types := make([]interface{}, len(e.Types))
			for i, t := range e.Types {
				types[i] = t
			}
			node["@type"] = types
		}
		graph = append(graph, node)
	}
	doc := map[string]interface{}{"@graph": graph}
	if desc.Context != nil {
		doc["@context"] = desc.Context
	}
	return doc
}

func isYAMLName(source string) bool {
	ext := filepath.Ext(source)
	if isURL(source) {
		if u, err := url.Parse(source); err == nil {
			ext = path.Ext(u.Path)
		}
	}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func describe(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case []interface{}:
		return "an array"
	case string:
		return "a string"
	case float64:
		return "a number"
	case bool:
		return "a boolean"
	}
	return fmt.Sprintf("%T", v)
}
