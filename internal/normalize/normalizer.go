// Package normalize maps a heterogeneous SoftwareDescription onto the
// canonical VMSpec.
//
// Every attribute is resolved in a fixed order: nested runtime objects
// (runtimePlatform, virtualization, vm_settings) first, then the flat
// property on the primary entity, then the configured default. Missing
// optional fields never fail; operator-supplied values that break a VMSpec
// invariant fail with InvalidSpec and are never clamped.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/models"
)

// NestedKeys are the runtime objects consulted before flat properties, in
// precedence order.
var NestedKeys = []string{"runtimePlatform", "virtualization", "vm_settings"}

const maxNameLength = 63

// Normalizer produces VMSpecs. It holds no per-request state and is safe for
// concurrent use.
type Normalizer struct {
	// Defaults fill attributes the description leaves out
	Defaults config.Defaults

	// NameFunc generates a placeholder when the description has no usable name
	NameFunc func() string

	// Log receives debug output about resolved values
	Log log.FieldLogger
}

// New creates a Normalizer with the default placeholder name generator.
func New(defaults config.Defaults, logger log.FieldLogger) *Normalizer {
	prefix := defaults.NamePrefix
	if prefix == "" {
		prefix = "vm"
	}
	return &Normalizer{
		Defaults: defaults,
		NameFunc: func() string { return models.GenerateName(prefix) },
		Log:      logger,
	}
}

// source is one place an attribute may be read from.
type source struct {
	name  string
	props map[string]interface{}
}

// Normalize derives the VMSpec for desc.
func (n *Normalizer) Normalize(desc *models.SoftwareDescription) (*models.VMSpec, error) {
	if desc == nil {
		return nil, models.Errorf(models.KindInvalidSpec, "no software description")
	}

	sources := n.sources(desc.Primary())

	spec := &models.VMSpec{}

	// Runtime objects may be typed platform nodes with their own name, so
	// only vm_settings is trusted for the instance name.
	name, _ := lookupString(only(sources, "vm_settings", "entity"), "name")
	spec.Name = SanitizeName(name)
	if spec.Name == "" {
		spec.Name = n.placeholder()
		n.logger().WithField("name", spec.Name).Debug("description has no usable name, using placeholder")
	}

	cpus, err := n.resolveCPUs(sources)
	if err != nil {
		return nil, err
	}
	spec.CPUs = cpus

	if spec.Memory, err = n.resolveSize(sources, "memory", n.Defaults.Memory, Megabytes, "memoryRequirements"); err != nil {
		return nil, err
	}
	if spec.Disk, err = n.resolveSize(sources, "disk", n.Defaults.Disk, Gigabytes, "storageRequirements"); err != nil {
		return nil, err
	}

	if spec.Image, err = n.resolveImage(sources); err != nil {
		return nil, err
	}

	deps, err := resolveDependencies(sources)
	if err != nil {
		return nil, err
	}
	if deps == nil {
		deps = append([]string{}, n.Defaults.Packages...)
	}
	spec.Dependencies = deps

	if desc.Config != nil && len(desc.Config.Content) > 0 {
		spec.BootScript = string(desc.Config.Content)
	} else if script, ok := lookupString(sources, "bootScript"); ok {
		spec.BootScript = script
	}

	entity := only(sources, "entity")
	spec.Version, _ = lookupString(entity, "version", "softwareVersion")
	spec.Description, _ = lookupString(entity, "description")

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	n.logger().WithFields(log.Fields{
		"name":         spec.Name,
		"cpus":         spec.CPUs,
		"memory":       spec.Memory,
		"disk":         spec.Disk,
		"image":        spec.Image,
		"dependencies": len(spec.Dependencies),
	}).Debug("normalized spec")

	return spec, nil
}

// sources lists the nested runtime objects followed by the entity itself.
func (n *Normalizer) sources(primary *models.Entity) []source {
	if primary == nil {
		return nil
	}
	var out []source
	for _, key := range NestedKeys {
		if obj := primary.Object(key); obj != nil {
			out = append(out, source{name: key, props: obj})
		}
	}
	return append(out, source{name: "entity", props: primary.Properties})
}

func only(sources []source, names ...string) []source {
	return lo.Filter(sources, func(s source, _ int) bool { return lo.Contains(names, s.name) })
}

func (n *Normalizer) placeholder() string {
	if n.NameFunc != nil {
		if name := SanitizeName(n.NameFunc()); name != "" {
			return name
		}
	}
	return models.GenerateName("vm")
}

func (n *Normalizer) resolveCPUs(sources []source) (int, error) {
	v, from, ok := lookup(sources, "cpus", "processorCount")
	if !ok {
		return n.Defaults.CPUs, nil
	}
	cpus, err := toInt(v)
	if err != nil {
		return 0, models.Errorf(models.KindInvalidSpec, "%s.cpus: %v", from, err)
	}
	if cpus < 1 {
		return 0, models.Errorf(models.KindInvalidSpec, "%s.cpus must be at least 1, got %d", from, cpus)
	}
	return cpus, nil
}

// Unit is the scale applied to bare numeric sizes.
type Unit int64

const (
	Megabytes Unit = units.MiB
	Gigabytes Unit = units.GiB
)

// resolveSize reads field strictly and alias leniently. The schema.org
// aliases are free text (often prose or a URL), so a value there that is not
// a size is skipped rather than failing the request.
func (n *Normalizer) resolveSize(sources []source, field, def string, unit Unit, alias string) (string, error) {
	for _, src := range sources {
		if v, ok := src.props[field]; ok && v != nil {
			size, err := ParseSize(v, unit)
			if err != nil {
				return "", models.Errorf(models.KindInvalidSpec, "%s.%s: %v", src.name, field, err)
			}
			return size, nil
		}
		if v, ok := src.props[alias]; ok && v != nil {
			size, err := ParseSize(v, unit)
			if err == nil {
				return size, nil
			}
			n.logger().WithFields(log.Fields{
				"field": src.name + "." + alias,
				"value": v,
			}).Debug("ignoring value that is not a size")
		}
	}
	size, err := ParseSize(def, unit)
	if err != nil {
		return "", models.Errorf(models.KindInvalidSpec, "defaults.%s: %v", field, err)
	}
	return size, nil
}

func (n *Normalizer) resolveImage(sources []source) (string, error) {
	v, from, ok := lookup(sources, "image", "os", "operatingSystem")
	if !ok {
		return n.Defaults.Image, nil
	}
	image := firstString(v)
	if strings.TrimSpace(image) == "" {
		return "", models.Errorf(models.KindInvalidSpec, "%s.image is empty", from)
	}
	return strings.TrimSpace(image), nil
}

func (n *Normalizer) logger() log.FieldLogger {
	if n.Log == nil {
		return log.StandardLogger()
	}
	return n.Log
}

// lookup returns the first present, non-null value among keys, scanning the
// sources in precedence order.
func lookup(sources []source, keys ...string) (interface{}, string, bool) {
	for _, src := range sources {
		for _, key := range keys {
			if v, ok := src.props[key]; ok && v != nil {
				return v, src.name, true
			}
		}
	}
	return nil, "", false
}

func lookupString(sources []source, keys ...string) (string, bool) {
	v, _, ok := lookup(sources, keys...)
	if !ok {
		return "", false
	}
	s := models.ScalarString(v)
	return s, s != ""
}

// SanitizeName lower-cases s and reduces it to [a-z0-9-] with no repeated,
// leading or trailing dashes, truncated to 63 characters.
func SanitizeName(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxNameLength {
		out = strings.TrimRight(out[:maxNameLength], "-")
	}
	return out
}

// ParseSize accepts a size string ("2G", "512M", "2 GiB") or a bare number in
// the given unit and returns the canonical "<n>G" / "<n>M" form.
func ParseSize(v interface{}, unit Unit) (string, error) {
	var bytes int64
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return "", fmt.Errorf("size is empty")
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return ParseSize(f, unit)
		}
		b, err := units.RAMInBytes(s)
		if err != nil {
			return "", err
		}
		bytes = b
	default:
		f, err := toFloat(v)
		if err != nil {
			return "", err
		}
		if f <= 0 {
			return "", fmt.Errorf("size must be positive, got %v", f)
		}
		bytes = int64(math.Round(f * float64(unit)))
	}
	if bytes <= 0 {
		return "", fmt.Errorf("size must be positive")
	}
	return models.CanonicalSize(bytes)
}

func toInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", t)
		}
		return i, nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return 0, err
		}
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("%v is not an integer", f)
		}
		return int(f), nil
	}
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

// firstString returns a string value or the first string of a list.
func firstString(v interface{}) string {
	if list, ok := v.([]interface{}); ok {
		for _, item := range list {
			if s := models.ScalarString(item); s != "" {
				return s
			}
		}
		return ""
	}
	return models.ScalarString(v)
}

// resolveDependencies returns nil when no source declares dependencies, so
// the caller can tell "absent" from "declared empty".
func resolveDependencies(sources []source) ([]string, error) {
	v, from, ok := lookup(sources, "softwareRequirements", "dependencies")
	if !ok {
		return nil, nil
	}

	var raw []interface{}
	switch t := v.(type) {
	case []interface{}:
		raw = t
	case []string:
		raw = lo.Map(t, func(s string, _ int) interface{} { return s })
	default:
		raw = []interface{}{t}
	}

	names := make([]string, 0, len(raw))
	for i, item := range raw {
		name, err := dependencyName(item)
		if err != nil {
			return nil, models.Errorf(models.KindInvalidSpec, "%s.softwareRequirements[%d]: %v", from, i, err)
		}
		names = append(names, name)
	}

	names = lo.Filter(names, func(s string, _ int) bool { return s != "" })
	return lo.Uniq(names), nil
}

func dependencyName(item interface{}) (string, error) {
	if obj := models.AsObject(item); obj != nil {
		for _, key := range []string{"name", "identifier", "@id"} {
			if s := strings.TrimSpace(models.ScalarString(obj[key])); s != "" {
				return s, nil
			}
		}
		return "", nil
	}
	switch t := item.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	}
	return "", fmt.Errorf("unsupported dependency value of type %T", item)
}
