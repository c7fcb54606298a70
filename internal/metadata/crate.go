package metadata

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"evalgo.org/vmcrate/models"
)

// ManifestNames are the RO-Crate metadata file names tried, in order.
var ManifestNames = []string{
	"ro-crate-metadata.json",
	"ro-crate-metadata.jsonld",
	"ro-crate-metadata.yaml",
	"ro-crate-metadata.yml",
}

func (e *Extractor) loadCrate(dir string) (*models.SoftwareDescription, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, models.NewError(models.KindFileNotFound, fmt.Sprintf("cannot resolve %s", dir), err)
	}

	manifest, err := findManifest(root)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(manifest)
	if err != nil {
		return nil, models.NewError(models.KindFileNotFound, fmt.Sprintf("cannot read %s", manifest), err)
	}

	desc, err := e.Parse(data, manifest)
	if err != nil {
		return nil, err
	}
	desc.Root = root

	entity := FindConfigEntity(desc.Entities)
	if entity == nil {
		return nil, models.Errorf(models.KindMissingConfigEntity,
			"no SoftwareSourceCode entity with a .yaml/.yml identifier in %s", manifest)
	}

	path, err := ResolveInRoot(root, entity.ID)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewError(models.KindFileNotFound, fmt.Sprintf("cannot read %s", entity.ID), err)
	}

	desc.Config = &models.ConfigFile{
		ID:      entity.ID,
		Path:    path,
		Content: content,
	}

	e.logger().WithFields(log.Fields{
		"crate":  root,
		"config": entity.ID,
	}).Debug("resolved crate configuration entity")

	return desc, nil
}

func findManifest(root string) (string, error) {
	for _, name := range ManifestNames {
		candidate := filepath.Join(root, name)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", models.Errorf(models.KindFileNotFound,
		"%s is not an RO-Crate: none of %s found", root, strings.Join(ManifestNames, ", "))
}

// FindConfigEntity returns the first entity typed SoftwareSourceCode whose
// identifier carries a YAML extension, or nil.
func FindConfigEntity(entities []models.Entity) *models.Entity {
	for i := range entities {
		e := &entities[i]
		if !e.HasType("SoftwareSourceCode") {
			continue
		}
		id := strings.ToLower(e.ID)
		if strings.HasSuffix(id, ".yaml") || strings.HasSuffix(id, ".yml") {
			return e
		}
	}
	return nil
}

// ResolveInRoot maps a crate-relative @id onto a regular file inside root.
// Absolute identifiers, remote URLs and paths escaping the root (including
// through symlinks) are rejected with FileNotFound.
func ResolveInRoot(root, id string) (string, error) {
	rel := strings.TrimPrefix(id, "file://")
	if unescaped, err := url.PathUnescape(rel); err == nil {
		rel = unescaped
	}

	if strings.Contains(rel, "://") || filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", models.Errorf(models.KindFileNotFound, "%s does not refer to a file inside the crate", id)
	}

	target := filepath.Join(root, filepath.FromSlash(rel))
	if !within(root, target) {
		return "", models.Errorf(models.KindFileNotFound, "%s resolves outside the crate", id)
	}

	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", models.Errorf(models.KindFileNotFound, "%s is referenced by the crate but does not exist", id)
		}
		return "", models.NewError(models.KindFileNotFound, fmt.Sprintf("cannot access %s", id), err)
	}
	if info.IsDir() {
		return "", models.Errorf(models.KindFileNotFound, "%s is a directory, not a file", id)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", models.NewError(models.KindFileNotFound, fmt.Sprintf("cannot resolve %s", root), err)
	}
	realTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", models.NewError(models.KindFileNotFound, fmt.Sprintf("cannot resolve %s", id), err)
	}
	if !within(realRoot, realTarget) {
		return "", models.Errorf(models.KindFileNotFound, "%s links outside the crate", id)
	}

	return target, nil
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
