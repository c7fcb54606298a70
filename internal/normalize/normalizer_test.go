package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/internal/logging"
	"evalgo.org/vmcrate/models"
)

func testDefaults() config.Defaults {
	return config.Defaults{
		CPUs:       2,
		Memory:     "2G",
		Disk:       "10G",
		Image:      "22.04",
		NamePrefix: "vm",
	}
}

func newTestNormalizer() *Normalizer {
	n := New(testDefaults(), logging.Discard())
	n.NameFunc = func() string { return "vm-placeholder" }
	return n
}

func describe(props map[string]interface{}) *models.SoftwareDescription {
	return &models.SoftwareDescription{
		Source:   "test.json",
		Entities: []models.Entity{{Types: []string{"SoftwareSourceCode"}, Properties: props}},
	}
}

func TestNormalizeDemoTool(t *testing.T) {
	spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
		"name":                 "Demo Tool",
		"softwareRequirements": "git",
	}))
	require.NoError(t, err)

	assert.Equal(t, &models.VMSpec{
		Name:         "demo-tool",
		CPUs:         2,
		Memory:       "2G",
		Disk:         "10G",
		Image:        "22.04",
		Dependencies: []string{"git"},
	}, spec)
}

func TestNormalizeDefaults(t *testing.T) {
	spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{}))
	require.NoError(t, err)

	assert.Equal(t, "vm-placeholder", spec.Name)
	assert.Equal(t, 2, spec.CPUs)
	assert.Equal(t, "2G", spec.Memory)
	assert.Equal(t, "10G", spec.Disk)
	assert.Equal(t, "22.04", spec.Image)
	assert.NotNil(t, spec.Dependencies)
	assert.Empty(t, spec.Dependencies)
	assert.Empty(t, spec.BootScript)
}

func TestNormalizeDefaultPackages(t *testing.T) {
	defaults := testDefaults()
	defaults.Packages = []string{"python3", "git"}
	n := New(defaults, logging.Discard())

	spec, err := n.Normalize(describe(map[string]interface{}{"name": "x"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "git"}, spec.Dependencies)

	spec, err = n.Normalize(describe(map[string]interface{}{"name": "x", "softwareRequirements": []interface{}{}}))
	require.NoError(t, err)
	assert.Empty(t, spec.Dependencies, "an explicitly empty list must not fall back to defaults")
}

func TestNormalizePlaceholderName(t *testing.T) {
	n := New(testDefaults(), logging.Discard())

	for _, name := range []interface{}{nil, "", "   ", "!!!"} {
		spec, err := n.Normalize(describe(map[string]interface{}{"name": name}))
		require.NoError(t, err)
		assert.Regexp(t, `^vm-[0-9a-f]{8}$`, spec.Name)
	}
}

func TestNormalizeCPUs(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    int
		wantErr bool
	}{
		{name: "number", value: float64(4), want: 4},
		{name: "int", value: 8, want: 8},
		{name: "numeric string", value: "3", want: 3},
		{name: "zero", value: float64(0), wantErr: true},
		{name: "negative", value: float64(-2), wantErr: true},
		{name: "fraction", value: 1.5, wantErr: true},
		{name: "word", value: "many", wantErr: true},
		{name: "bool", value: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
				"name":            "cpu-test",
				"runtimePlatform": map[string]interface{}{"cpus": tt.value},
			}))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, models.KindInvalidSpec, models.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.CPUs)
		})
	}
}

func TestNormalizeStringAndListEquivalent(t *testing.T) {
	n := newTestNormalizer()

	single, err := n.Normalize(describe(map[string]interface{}{"name": "x", "softwareRequirements": "git"}))
	require.NoError(t, err)
	list, err := n.Normalize(describe(map[string]interface{}{"name": "x", "softwareRequirements": []interface{}{"git"}}))
	require.NoError(t, err)

	assert.Equal(t, single.Dependencies, list.Dependencies)
}

func TestNormalizeDependencies(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  []string
	}{
		{
			name:  "dedup keeps first seen order",
			value: []interface{}{"git", "python3", "git"},
			want:  []string{"git", "python3"},
		},
		{
			name:  "blank entries dropped",
			value: []interface{}{"git", "", "  ", nil, "curl"},
			want:  []string{"git", "curl"},
		},
		{
			name: "objects",
			value: []interface{}{
				map[string]interface{}{"@type": "SoftwareApplication", "name": "numpy"},
				map[string]interface{}{"identifier": "pandas"},
				map[string]interface{}{"@id": "https://pypi.org/project/scipy"},
				"numpy",
			},
			want: []string{"numpy", "pandas", "https://pypi.org/project/scipy"},
		},
		{
			name:  "single object",
			value: map[string]interface{}{"name": "git"},
			want:  []string{"git"},
		},
		{
			name:  "surrounding whitespace",
			value: " git ",
			want:  []string{"git"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
				"name":                 "deps",
				"softwareRequirements": tt.value,
			}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, spec.Dependencies)
		})
	}
}

func TestNormalizeInvalidDependency(t *testing.T) {
	_, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
		"name":                 "deps",
		"softwareRequirements": []interface{}{"git", float64(3)},
	}))
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidSpec, models.KindOf(err))
}

func TestNormalizeResolutionOrder(t *testing.T) {
	spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
		"name":                 "Order Test",
		"memory":               "8G",
		"disk":                 "50G",
		"processorCount":       float64(16),
		"operatingSystem":      "20.04",
		"softwareRequirements": []interface{}{"flat-dep"},
		"runtimePlatform": map[string]interface{}{
			"cpus":   float64(4),
			"memory": "4G",
		},
		"virtualization": map[string]interface{}{
			"memory":       "1G",
			"os":           "24.04",
			"dependencies": []interface{}{"nested-dep"},
		},
	}))
	require.NoError(t, err)

	assert.Equal(t, 4, spec.CPUs, "runtimePlatform wins over flat processorCount")
	assert.Equal(t, "4G", spec.Memory, "runtimePlatform wins over virtualization")
	assert.Equal(t, "50G", spec.Disk, "flat field used when no nested object sets it")
	assert.Equal(t, "24.04", spec.Image, "nested os wins over flat operatingSystem")
	assert.Equal(t, []string{"nested-dep"}, spec.Dependencies)
}

func TestNormalizeRuntimePlatformString(t *testing.T) {
	spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
		"name":            "py",
		"runtimePlatform": "Python 3.11",
		"cpus":            float64(6),
	}))
	require.NoError(t, err)
	assert.Equal(t, 6, spec.CPUs)
}

func TestNormalizeRuntimePlatformNameIgnored(t *testing.T) {
	spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
		"name":            "My App",
		"runtimePlatform": map[string]interface{}{"@type": "SoftwareApplication", "name": "Python"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "my-app", spec.Name)
}

func TestNormalizeVMSettings(t *testing.T) {
	spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
		"vm_settings": map[string]interface{}{
			"name":   "yaml-vm",
			"cpus":   float64(2),
			"memory": "4G",
			"disk":   "20G",
			"image":  "22.04",
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "yaml-vm", spec.Name)
	assert.Equal(t, "4G", spec.Memory)
	assert.Equal(t, "20G", spec.Disk)
}

func TestNormalizeSizes(t *testing.T) {
	tests := []struct {
		name       string
		memory     interface{}
		disk       interface{}
		wantMemory string
		wantDisk   string
		wantErr    bool
	}{
		{name: "suffixed", memory: "512M", disk: "20G", wantMemory: "512M", wantDisk: "20G"},
		{name: "binary suffix", memory: "2 GiB", disk: "1TB", wantMemory: "2G", wantDisk: "1024G"},
		{name: "fractional", memory: "1.5G", disk: "10G", wantMemory: "1536M", wantDisk: "10G"},
		{name: "bare numbers", memory: float64(4096), disk: float64(40), wantMemory: "4G", wantDisk: "40G"},
		{name: "numeric strings", memory: "1024", disk: "15", wantMemory: "1G", wantDisk: "15G"},
		{name: "zero memory", memory: "0G", disk: "10G", wantErr: true},
		{name: "negative disk", memory: "2G", disk: float64(-1), wantErr: true},
		{name: "garbage", memory: "lots", disk: "10G", wantErr: true},
		{name: "too small", memory: "512K", disk: "10G", wantErr: true},
		{name: "empty", memory: "", disk: "10G", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
				"name":   "sizes",
				"memory": tt.memory,
				"disk":   tt.disk,
			}))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, models.KindInvalidSpec, models.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMemory, spec.Memory)
			assert.Equal(t, tt.wantDisk, spec.Disk)
		})
	}
}

func TestNormalizeSchemaOrgRequirements(t *testing.T) {
	tests := []struct {
		name       string
		props      map[string]interface{}
		wantMemory string
		wantDisk   string
	}{
		{
			name:       "sizes",
			props:      map[string]interface{}{"memoryRequirements": "4G", "storageRequirements": float64(30)},
			wantMemory: "4G",
			wantDisk:   "30G",
		},
		{
			name:       "prose falls back to defaults",
			props:      map[string]interface{}{"memoryRequirements": "8GB recommended", "storageRequirements": "plenty"},
			wantMemory: "2G",
			wantDisk:   "10G",
		},
		{
			name:       "url falls back to defaults",
			props:      map[string]interface{}{"memoryRequirements": "https://example.org/requirements"},
			wantMemory: "2G",
			wantDisk:   "10G",
		},
		{
			name: "unparseable nested alias skipped for flat field",
			props: map[string]interface{}{
				"runtimePlatform": map[string]interface{}{"memoryRequirements": "a lot"},
				"memory":          "6G",
			},
			wantMemory: "6G",
			wantDisk:   "10G",
		},
		{
			name:       "memory key wins over alias",
			props:      map[string]interface{}{"memory": "1G", "memoryRequirements": "4G"},
			wantMemory: "1G",
			wantDisk:   "10G",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.props["name"] = "reqs"
			spec, err := newTestNormalizer().Normalize(describe(tt.props))
			require.NoError(t, err)
			assert.Equal(t, tt.wantMemory, spec.Memory)
			assert.Equal(t, tt.wantDisk, spec.Disk)
		})
	}

	// The memory key itself stays strict
	_, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
		"memory":             "8GB recommended",
		"memoryRequirements": "4G",
	}))
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidSpec, models.KindOf(err))
}

func TestNormalizeEmptyImage(t *testing.T) {
	_, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
		"name":            "img",
		"operatingSystem": "",
	}))
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidSpec, models.KindOf(err))
}

func TestNormalizeImageList(t *testing.T) {
	spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
		"name":            "img",
		"operatingSystem": []interface{}{"jammy", "focal"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "jammy", spec.Image)
}

func TestNormalizeBootScript(t *testing.T) {
	n := newTestNormalizer()

	crate := &models.SoftwareDescription{
		Root: "/crate",
		Entities: []models.Entity{
			{ID: "./", Types: []string{"Dataset"}, Properties: map[string]interface{}{
				"name":       "Crate VM",
				"bootScript": "echo ignored",
			}},
			{ID: "setup.yaml", Types: []string{"SoftwareSourceCode"}, Properties: map[string]interface{}{}},
		},
		Config: &models.ConfigFile{ID: "setup.yaml", Content: []byte("#!/bin/sh\necho from crate\n")},
	}
	spec, err := n.Normalize(crate)
	require.NoError(t, err)
	assert.Equal(t, "crate-vm", spec.Name)
	assert.Equal(t, "#!/bin/sh\necho from crate\n", spec.BootScript)

	spec, err = n.Normalize(describe(map[string]interface{}{"name": "x", "bootScript": "echo flat"}))
	require.NoError(t, err)
	assert.Equal(t, "echo flat", spec.BootScript)
}

func TestNormalizeInformationalFields(t *testing.T) {
	spec, err := newTestNormalizer().Normalize(describe(map[string]interface{}{
		"name":        "info",
		"version":     "1.2.0",
		"description": "A tool",
		"license":     "MIT",
	}))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", spec.Version)
	assert.Equal(t, "A tool", spec.Description)
}

func TestNormalizeNilDescription(t *testing.T) {
	_, err := newTestNormalizer().Normalize(nil)
	require.Error(t, err)
	assert.Equal(t, models.KindInvalidSpec, models.KindOf(err))
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Demo Tool", "demo-tool"},
		{"  My   Fancy_App v2.0 ", "my-fancy-app-v2-0"},
		{"--leading and trailing--", "leading-and-trailing"},
		{"UPPER", "upper"},
		{"café", "caf"},
		{"", ""},
		{"a-very-long-name-that-goes-on-and-on-and-on-well-past-the-limit-of-63", "a-very-long-name-that-goes-on-and-on-and-on-well-past-the-limit"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := SanitizeName(tt.in)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 63)
		})
	}
}
