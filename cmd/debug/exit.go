package debug

import (
	"github.com/spf13/cobra"
)

var exitCmd = &cobra.Command{
	Use:   "exit",
	Short: "结束控制会话",
	Long: `结束控制会话：exec创建的目标进程被终止，attach的目标进程被释放并继续运行`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupOthers,
	},
	Aliases: []string{"quit", "q"},
	Run: func(cmd *cobra.Command, args []string) {
		if CurrentSession != nil {
			CurrentSession.Stop()
		}
	},
}

func init() {
	debugRootCmd.AddCommand(exitCmd)
}
