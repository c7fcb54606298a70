package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"evalgo.org/vmcrate/internal/api"
	"evalgo.org/vmcrate/internal/backend"
	"evalgo.org/vmcrate/internal/orchestration"
	"evalgo.org/vmcrate/models"
)

var renderOutput string

var renderCmd = &cobra.Command{
	Use:   "render <source>",
	Short: "Show what would be provisioned, without provisioning",
	Long: `Render the provisioning config for a description as a dry run.

Output formats:
  yaml        spec, rendered config and backend command line (default)
  json        the same as JSON
  cloud-init  only the #cloud-config document

Examples:
  vmcrate render codemeta.json
  vmcrate render ./my-crate --backend ec2 -o json
  vmcrate render codemeta.json -o cloud-init > user-data`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <source>",
	Short: "Show the entities and the VM spec derived from a description",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	renderCmd.Flags().StringVarP(&backendFlag, "backend", "b", "", "backend to render for (default from config)")
	renderCmd.Flags().StringVar(&tokenFlag, "token", "", "suffix appended to the instance name")
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "yaml", "output format (yaml, json, cloud-init)")

	inspectCmd.Flags().StringVarP(&backendFlag, "backend", "b", "", "backend to check rendering for (default from config)")
}

func plan(source string) (*orchestration.Plan, error) {
	req, err := request(source)
	if err != nil {
		return nil, err
	}
	o, err := newOrchestrator(backend.Deps{})
	if err != nil {
		return nil, err
	}
	ctx, stop := signalContext()
	defer stop()

	return o.Plan(ctx, req)
}

func runRender(cmd *cobra.Command, args []string) error {
	p, err := plan(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch strings.ToLower(renderOutput) {
	case "cloud-init":
		_, err := out.Write(p.Config.CloudInit)
		return err
	case "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (use yaml, json or cloud-init)", renderOutput)
	}

	resp, err := api.NewRenderResponse(cfg, p.Config)
	if err != nil {
		return err
	}
	return writeAs(out, renderOutput, resp)
}

func writeAs(out io.Writer, format string, v interface{}) error {
	if strings.ToLower(format) == "json" {
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func runInspect(cmd *cobra.Command, args []string) error {
	p, err := plan(args[0])
	if p == nil || p.Description == nil {
		return err
	}

	out := cmd.OutOrStdout()
	desc := p.Description
	fmt.Fprintf(out, "Source:   %s\n", desc.Source)
	if desc.IsCrate() {
		fmt.Fprintf(out, "Format:   RO-Crate (%s)\n", desc.Root)
	} else {
		fmt.Fprintln(out, "Format:   CodeMeta document")
	}
	fmt.Fprintf(out, "Entities: %d\n", len(desc.Entities))
	for _, e := range desc.Entities {
		id := e.ID
		if id == "" {
			id = "(anonymous)"
		}
		types := make([]string, len(e.Types))
		for i, t := range e.Types {
			types[i] = models.LocalName(t)
		}
		fmt.Fprintf(out, "  - %s [%s]\n", id, strings.Join(types, ", "))
	}
	if desc.Config != nil {
		fmt.Fprintf(out, "Config:   %s\n", desc.Config.Path)
	}

	if p.Spec != nil {
		fmt.Fprintln(out, "\nVM spec:")
		if werr := writeAs(out, "yaml", p.Spec); werr != nil {
			return werr
		}
	}

	// Rendering for a particular backend is not part of inspection
	if orchestration.StageOf(err) == models.StageCompose {
		fmt.Fprintf(cmd.ErrOrStderr(), "\nnote: %s\n", models.DiagnosticOf(err))
		return nil
	}
	return err
}
