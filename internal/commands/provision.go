package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"evalgo.org/vmcrate/internal/backend"
)

var provisionJSON bool

var provisionCmd = &cobra.Command{
	Use:   "provision <source>",
	Short: "Provision a VM from a software description",
	Long: `Provision a VM from a CodeMeta file, an RO-Crate directory or a URL.

The description is normalized into a VM spec, rendered for the selected
backend and handed to it. The command exits non-zero when any stage fails.

Examples:
  vmcrate provision codemeta.json
  vmcrate provision ./my-crate --backend qemu
  vmcrate provision https://example.org/codemeta.json --backend ec2 --token run42`,
	Args: cobra.ExactArgs(1),
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().StringVarP(&backendFlag, "backend", "b", "", "backend to use (multipass, qemu, ec2; default from config)")
	provisionCmd.Flags().StringVar(&tokenFlag, "token", "", "suffix appended to the instance name")
	provisionCmd.Flags().BoolVar(&provisionJSON, "json", false, "print the result as JSON")
}

func runProvision(cmd *cobra.Command, args []string) error {
	req, err := request(args[0])
	if err != nil {
		return err
	}

	o, err := newOrchestrator(backend.Deps{})
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	res := o.Provision(ctx, req)

	if provisionJSON {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		if !res.OK {
			return errors.New("provisioning failed")
		}
		return nil
	}

	if !res.OK {
		return errors.New(res.String())
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.String())
	return nil
}
