package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/chora/internal/kernel"
)

type typesResult struct {
	Types []kernel.TypeSpec `json:"types"`
}

func (r typesResult) RenderText(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSTATUSES\tREQUIRED")
	for _, t := range r.Types {
		required := "-"
		if len(t.AdditionalRequired) > 0 {
			required = strings.Join(t.AdditionalRequired, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, strings.Join(t.Statuses, ","), required)
	}
	tw.Flush()
}

// NewTypesCommand creates the types command.
func NewTypesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the entity types of the kernel",
		Long: `List the entity types the kernel defines with their allowed
statuses (the first one is the default) and required data fields.

The built-in kernel is used unless --kernel or CHORA_KERNEL names a .cue
or .yaml file.`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(rootOpts.Kernel)
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(typesResult{Types: reg.Specs()})
		},
	}
}
