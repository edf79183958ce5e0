/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"errors"
	"fmt"

	"github.com/cosiner/argv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

// execCmd represents the exec command
var execCmd = &cobra.Command{
	Use:   "exec <prog> [args...]",
	Short: "创建并控制目标进程",
	Long: `创建目标进程，目标进程停在第一条指令之前。

目标进程的参数可以直接跟在程序后面，也可以通过 --cmdline 以一个字符串给出，
例如：teleproc exec --cmdline "vm -cp 'a b'"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmdline, _ := cmd.Flags().GetString("cmdline")
		tty := viper.GetBool("tty")

		argv, err := targetArgv(args, cmdline)
		if err != nil {
			return err
		}

		be, closeBackend, err := newBackend()
		if err != nil {
			return err
		}
		defer closeBackend()

		ctrl, lookup, err := newController(be, target.LaunchOptions{TTY: tty})
		if err != nil {
			return err
		}

		// start tracee and wait tracee stopped
		h, err := ctrl.Create(argv, viper.GetInt("agent-port"))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "process %d created\n", h.Pid())

		// the tracee is started by us, kill it once the session is over
		runSession(ctrl, h, lookup, true)
		return nil
	},
}

// targetArgv splits --cmdline the way a shell would, or uses args as is.
func targetArgv(args []string, cmdline string) ([]string, error) {
	if cmdline == "" {
		if len(args) == 0 {
			return nil, errors.New("参数错误：缺少可执行程序")
		}
		return args, nil
	}
	if len(args) != 0 {
		return nil, errors.New("参数错误：--cmdline 不能与程序参数同时使用")
	}
	sections, err := argv.Argv(cmdline,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(sections) != 1 || len(sections[0]) == 0 {
		return nil, fmt.Errorf("invalid command line: %q", cmdline)
	}
	return sections[0], nil
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().String("cmdline", "", "目标进程命令行，按shell规则拆分")
	execCmd.Flags().Bool("tty", false, "在新分配的伪终端上运行目标进程")
	viper.BindPFlag("tty", execCmd.Flags().Lookup("tty"))
	execCmd.Flags().SetInterspersed(false)
}
