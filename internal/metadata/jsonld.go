package metadata

import (
	"strings"

	"github.com/piprate/json-gold/ld"

	"evalgo.org/vmcrate/models"
)

// offlineLoader answers every remote context request with a vocabulary that
// maps all terms into schema.org. CodeMeta and RO-Crate contexts are both
// schema.org based, so expansion stays meaningful without network access.
type offlineLoader struct{}

func (offlineLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return nil, ld.NewJsonLdError(ld.LoadingDocumentFailed, "only http(s) contexts are supported: "+u)
	}
	return &ld.RemoteDocument{
		DocumentURL: u,
		Document: map[string]interface{}{
			"@context": map[string]interface{}{
				"@vocab": "http://schema.org/",
			},
		},
	}, nil
}

// CheckJSONLD expands the description with json-gold and reports structural
// JSON-LD problems as MalformedDocument.
func CheckJSONLD(desc *models.SoftwareDescription) error {
	_, err := ExpandedNodeCount(desc)
	return err
}

// ExpandedNodeCount expands the description and counts the resulting nodes.
func ExpandedNodeCount(desc *models.SoftwareDescription) (int, error) {
	proc := ld.NewJsonLdProcessor()
	options := ld.NewJsonLdOptions("")
	options.DocumentLoader = offlineLoader{}

	expanded, err := proc.Expand(toDocument(desc), options)
	if err != nil {
		return 0, models.NewError(models.KindMalformedDocument, "invalid JSON-LD structure", err)
	}
	return countNodes(expanded), nil
}

func countNodes(expanded []interface{}) int {
	n := 0
	for _, item := range expanded {
		node, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if graph, ok := node["@graph"].([]interface{}); ok {
			n += countNodes(graph)
			continue
		}
		n++
	}
	return n
}
