package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ksched/internal/arch"
)

func newLayoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Print the interrupt frame and register block layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printLayout(cmd.OutOrStdout())
			return nil
		},
	}
}

func printLayout(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "interrupt frame (%d bytes, little endian)\n", arch.FrameSize)
	for _, f := range arch.FrameLayout {
		fmt.Fprintf(w, "  +%d\t%s\tu%d\n", f.Offset, f.Name, f.Size*8)
	}
	fmt.Fprintf(w, "register block (%d bytes, directly below the frame)\n", arch.RegistersSize)
	for _, f := range arch.RegisterLayout {
		fmt.Fprintf(w, "  +%d\t%s\tu%d\n", f.Offset, f.Name, f.Size*8)
	}
	w.Flush()
}
