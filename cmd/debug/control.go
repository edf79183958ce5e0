package debug

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "显示目标进程状态",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	Aliases: []string{"st"},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session()
		if err != nil {
			return err
		}
		printState(cmd.OutOrStdout(), s)
		return nil
	},
}

var suspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "挂起目标进程",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	Aliases: []string{"stop"},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session()
		if err != nil {
			return err
		}
		if !s.ctrl.Suspend(s.handle) {
			return fmt.Errorf("suspend failed, state %v", s.ctrl.State(s.handle))
		}
		printState(cmd.OutOrStdout(), s)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "恢复运行目标进程",
	Long: `恢复运行目标进程，运行前安装故障捕获策略。

使用 -w 时阻塞等待目标进程再次停止或退出。`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	Aliases: []string{"c", "continue"},
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		s, err := session()
		if err != nil {
			return err
		}
		if !s.ctrl.Resume(s.handle) {
			return fmt.Errorf("resume failed, state %v", s.ctrl.State(s.handle))
		}
		if wait && !s.ctrl.Wait(s.handle) {
			return fmt.Errorf("wait failed, state %v", s.ctrl.State(s.handle))
		}
		printState(cmd.OutOrStdout(), s)
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "等待目标进程停止或退出",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session()
		if err != nil {
			return err
		}
		if !s.ctrl.Wait(s.handle) {
			return fmt.Errorf("wait failed, state %v", s.ctrl.State(s.handle))
		}
		printState(cmd.OutOrStdout(), s)
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "终止目标进程",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupCtrlFlow,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session()
		if err != nil {
			return err
		}
		pid := s.handle.Pid()
		s.ctrl.Kill(s.handle)
		s.watches.reset()
		fmt.Fprintf(cmd.OutOrStdout(), "process %d killed\n", pid)
		return nil
	},
}

func printState(w io.Writer, s *DebugSession) {
	state := s.ctrl.State(s.handle)
	fmt.Fprintf(w, "process %d %v, stops: %d\n", s.handle.Pid(), state, s.handle.StopCount())
	if state == target.Stopped {
		for _, td := range s.ctrl.GatherThreads(s.handle, nil) {
			if td.State != target.Suspended {
				fmt.Fprintf(w, "thread %d hit %v\n", td.ID, td.State)
			}
		}
	}
}

func init() {
	debugRootCmd.AddCommand(stateCmd)
	debugRootCmd.AddCommand(suspendCmd)
	debugRootCmd.AddCommand(resumeCmd)
	debugRootCmd.AddCommand(waitCmd)
	debugRootCmd.AddCommand(killCmd)

	resumeCmd.Flags().BoolP("wait", "w", false, "恢复后等待目标进程停止")
}
