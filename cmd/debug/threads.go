package debug

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "列出目标进程的线程",
	Long: `列出目标进程的线程，目标进程必须处于停止状态。

每个线程显示停止原因、栈范围以及虚拟机线程局部数据的地址。`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupThreads,
	},
	Aliases: []string{"ths"},
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output != "table" && output != "yaml" {
			return fmt.Errorf("invalid output format %q", output)
		}

		s, err := session()
		if err != nil {
			return err
		}
		if state := s.ctrl.State(s.handle); state != target.Stopped {
			return fmt.Errorf("process %d is %v", s.handle.Pid(), state)
		}

		tds := s.ctrl.GatherThreads(s.handle, s.lookup)
		if output == "yaml" {
			b, err := yaml.Marshal(tds)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		}
		printThreads(cmd.OutOrStdout(), tds)
		return nil
	},
}

func printThreads(w io.Writer, tds []target.ThreadDescriptor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tSTATE\tWHY\tWHAT\tSTACK\tTRIGGERED\tENABLED\tDISABLED")
	for _, td := range tds {
		stack := "-"
		if td.StackSize != 0 {
			stack = fmt.Sprintf("%#x-%#x", td.StackBase, td.StackBase+td.StackSize)
		}
		fmt.Fprintf(tw, "%d\t%v\t%v\t%s\t%s\t%#x\t%#x\t%#x\n",
			td.ID, td.State, td.Why, describeWhat(td), stack,
			td.TriggeredLocals, td.EnabledLocals, td.DisabledLocals)
	}
}

func describeWhat(td target.ThreadDescriptor) string {
	switch td.Why {
	case target.WhyFaulted:
		return target.FaultID(td.What).String()
	case target.WhySignalled, target.WhyJobControl, target.WhyRequested:
		if td.What == 0 {
			return "-"
		}
		return fmt.Sprintf("signal %d", td.What)
	case target.WhySyscallEntry, target.WhySyscallExit:
		return fmt.Sprintf("syscall %d", td.What)
	}
	return "-"
}

func init() {
	debugRootCmd.AddCommand(threadsCmd)

	threadsCmd.Flags().StringP("output", "o", "table", "输出格式，支持：table, yaml")
}
