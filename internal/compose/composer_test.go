package compose

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"evalgo.org/vmcrate/internal/config"
	"evalgo.org/vmcrate/models"
)

func demoSpec() *models.VMSpec {
	return &models.VMSpec{
		Name:         "demo-tool",
		CPUs:         2,
		Memory:       "2G",
		Disk:         "10G",
		Image:        "22.04",
		Dependencies: []string{"git"},
	}
}

func testComposer() *Composer {
	return New(Options{
		Images:       map[string]string{"22.04": "ami-0abc1234def567890"},
		QemuImageURL: "https://example.com/alpine.iso",
		RootDevice:   "/dev/sda1",
	})
}

func decodeCloudInit(t *testing.T, doc []byte) map[string]interface{} {
	t.Helper()
	require.True(t, strings.HasPrefix(string(doc), CloudConfigHeader), "missing #cloud-config header")
	var out map[string]interface{}
	require.NoError(t, yaml.Unmarshal(doc, &out))
	return out
}

func TestDemoCloudInit(t *testing.T) {
	cfg, err := testComposer().Compose(demoSpec(), models.BackendMultipass, "")
	require.NoError(t, err)

	assert.Equal(t, "demo-tool", cfg.InstanceName)
	assert.Equal(t, map[string]interface{}{
		"package_update": true,
		"packages":       []interface{}{"git"},
	}, decodeCloudInit(t, cfg.CloudInit))
	assert.Nil(t, cfg.Launch)
	assert.Nil(t, cfg.Emulator)
}

func TestCloudInitKeyOrder(t *testing.T) {
	spec := demoSpec()
	spec.BootScript = "echo hello"
	doc, err := New(Options{Motd: true}).RenderCloudInit(spec, "demo-tool")
	require.NoError(t, err)

	text := string(doc)
	idx := func(key string) int { return strings.Index(text, "\n"+key+":") }
	assert.True(t, idx("package_update") < idx("packages"))
	assert.True(t, idx("packages") < idx("write_files"))
	assert.True(t, idx("write_files") < idx("runcmd"))
}

func TestComposeDeterministic(t *testing.T) {
	spec := demoSpec()
	spec.Dependencies = []string{"git", "python3", "curl"}
	spec.BootScript = "#!/bin/bash\nset -e\necho 'hi'\n"
	spec.Version = "1.0.0"

	c := New(Options{
		Motd:         true,
		Images:       map[string]string{"22.04": "ami-0abc1234def567890"},
		QemuImageURL: "https://example.com/alpine.iso",
	})

	for _, backend := range models.BackendKinds {
		t.Run(string(backend), func(t *testing.T) {
			first, err := c.Compose(spec, backend, "abc123")
			require.NoError(t, err)
			second, err := c.Compose(spec, backend, "abc123")
			require.NoError(t, err)

			a, err := json.Marshal(first)
			require.NoError(t, err)
			b, err := json.Marshal(second)
			require.NoError(t, err)
			assert.Equal(t, string(a), string(b))
			assert.Equal(t, first.CloudInit, second.CloudInit)
		})
	}
}

func TestBootScriptEmbeddedVerbatim(t *testing.T) {
	script := "#!/bin/sh\nrm -rf $HOME/tmp && echo \"$(whoami)\" > /tmp/who\n"
	spec := demoSpec()
	spec.BootScript = script

	cc := testComposer().BuildCloudConfig(spec, "demo-tool")
	require.Len(t, cc.WriteFiles, 1)
	assert.Equal(t, DefaultBootScriptPath, cc.WriteFiles[0].Path)
	assert.Equal(t, script, cc.WriteFiles[0].Content)
	assert.Equal(t, "0755", cc.WriteFiles[0].Permissions)
	assert.Equal(t, []string{DefaultBootScriptPath}, cc.RunCmd)

	doc, err := testComposer().RenderCloudInit(spec, "demo-tool")
	require.NoError(t, err)
	var decoded CloudConfig
	require.NoError(t, yaml.Unmarshal(doc, &decoded))
	assert.Equal(t, script, decoded.WriteFiles[0].Content)
}

func TestBootScriptWithoutShebangRunsThroughShell(t *testing.T) {
	spec := demoSpec()
	spec.BootScript = "apt-get install -y jq"

	cc := New(Options{BootScriptPath: "/opt/my boot.sh"}).BuildCloudConfig(spec, "demo-tool")
	assert.Equal(t, []string{"sh '/opt/my boot.sh'"}, cc.RunCmd)
}

func TestMotd(t *testing.T) {
	spec := demoSpec()
	spec.Version = "2.1"

	cc := New(Options{Motd: true}).BuildCloudConfig(spec, "demo-tool-x1")
	require.Len(t, cc.WriteFiles, 1)
	assert.Equal(t, "/etc/motd", cc.WriteFiles[0].Path)
	assert.Equal(t, "Welcome to the VM for demo-tool-x1\nVersion: 2.1\n", cc.WriteFiles[0].Content)
	assert.Empty(t, cc.RunCmd)
}

func TestEmptyDependencies(t *testing.T) {
	spec := demoSpec()
	spec.Dependencies = nil

	doc, err := testComposer().RenderCloudInit(spec, "demo-tool")
	require.NoError(t, err)
	out := decodeCloudInit(t, doc)
	assert.Equal(t, []interface{}{}, out["packages"])
}

func TestRenderLaunch(t *testing.T) {
	spec := demoSpec()
	spec.CPUs = 2
	spec.Memory = "3G"
	spec.Disk = "25G"

	cfg, err := testComposer().Compose(spec, models.BackendEC2, "")
	require.NoError(t, err)
	require.NotNil(t, cfg.Launch)

	assert.Equal(t, "ami-0abc1234def567890", cfg.Launch.ImageID)
	assert.Equal(t, "t3.medium", cfg.Launch.InstanceType)
	assert.Equal(t, int32(25), cfg.Launch.VolumeGiB)
	assert.Equal(t, "/dev/sda1", cfg.Launch.RootDevice)
	assert.Equal(t, "demo-tool", cfg.Launch.Tags["Name"])
	assert.Equal(t, string(cfg.CloudInit), cfg.Launch.UserData)
}

func TestRenderLaunchUserDataPrefersBootScript(t *testing.T) {
	spec := demoSpec()
	spec.BootScript = "#cloud-config\npackages: [nginx]\n"

	cfg, err := testComposer().Compose(spec, models.BackendEC2, "")
	require.NoError(t, err)
	assert.Equal(t, spec.BootScript, cfg.Launch.UserData)
}

func TestRenderLaunchErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.VMSpec)
	}{
		{name: "unmapped image", mutate: func(s *models.VMSpec) { s.Image = "18.04" }},
		{name: "too many cpus", mutate: func(s *models.VMSpec) { s.CPUs = 64 }},
		{name: "too much memory", mutate: func(s *models.VMSpec) { s.Memory = "512G" }},
		{name: "oversized user-data", mutate: func(s *models.VMSpec) {
			s.BootScript = "#!/bin/sh\n" + strings.Repeat("#", MaxUserDataBytes)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := demoSpec()
			tt.mutate(spec)
			_, err := testComposer().Compose(spec, models.BackendEC2, "")
			require.Error(t, err)
			assert.Equal(t, models.KindRenderError, models.KindOf(err))
		})
	}
}

func TestRenderLaunchAMIPassthrough(t *testing.T) {
	spec := demoSpec()
	spec.Image = "ami-0c55b159cbfafe1f0"

	cfg, err := New(Options{}).Compose(spec, models.BackendEC2, "")
	require.NoError(t, err)
	assert.Equal(t, "ami-0c55b159cbfafe1f0", cfg.Launch.ImageID)
	assert.Equal(t, "t3.small", cfg.Launch.InstanceType)
}

func TestPickInstanceTypeTableOrder(t *testing.T) {
	c := New(Options{InstanceTypes: []config.InstanceType{
		{Name: "big", VCPUs: 8, MemoryMiB: 32768},
		{Name: "small-a", VCPUs: 2, MemoryMiB: 2048},
		{Name: "small-b", VCPUs: 2, MemoryMiB: 2048},
	}})

	it, err := c.pickInstanceType(2, 1024)
	require.NoError(t, err)
	assert.Equal(t, "small-a", it.Name)
}

func TestRenderEmulator(t *testing.T) {
	spec := demoSpec()
	spec.CPUs = 1
	spec.Memory = "512M"

	cfg, err := testComposer().Compose(spec, models.BackendQemu, "")
	require.NoError(t, err)
	require.NotNil(t, cfg.Emulator)
	assert.Equal(t, "https://example.com/alpine.iso", cfg.Emulator.ImageURL)
	assert.Equal(t, "x86_64", cfg.Emulator.Arch)
	assert.Equal(t, 1, cfg.Emulator.CPUs)
	assert.Equal(t, int64(512), cfg.Emulator.MemoryMiB)
	assert.Nil(t, cfg.CloudInit)

	_, err = New(Options{}).Compose(spec, models.BackendQemu, "")
	require.Error(t, err)
	assert.Equal(t, models.KindRenderError, models.KindOf(err))
}

func TestComposeUnknownBackend(t *testing.T) {
	_, err := testComposer().Compose(demoSpec(), models.BackendKind("virtualbox"), "")
	require.Error(t, err)
	assert.Equal(t, models.KindRenderError, models.KindOf(err))
}

func TestComposeInvalidSpec(t *testing.T) {
	spec := demoSpec()
	spec.CPUs = 0
	_, err := testComposer().Compose(spec, models.BackendMultipass, "")
	require.Error(t, err)
	assert.Equal(t, models.KindRenderError, models.KindOf(err))
}

func TestInstanceName(t *testing.T) {
	long := strings.Repeat("a", 63)
	tests := []struct {
		name, token, want string
	}{
		{"demo-tool", "", "demo-tool"},
		{"demo-tool", "1B4E28BA", "demo-tool-1b4e28ba"},
		{long, "x1", strings.Repeat("a", 60) + "-x1"},
		{"demo", "!!", "demo"},
	}

	for _, tt := range tests {
		got := InstanceName(tt.name, tt.token)
		assert.Equal(t, tt.want, got)
		assert.LessOrEqual(t, len(got), 63)
	}
}
