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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/teleproc/pkg/target"
)

// attachCmd represents the attach command
var attachCmd = &cobra.Command{
	Use:   "attach <traceePID>",
	Short: "控制运行中进程",
	Long:  `控制运行中进程，会话结束后释放目标进程，目标进程继续运行`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		if len(args) != 1 {
			return errors.New("参数错误")
		}

		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%s invalid traceePID", args[0])
		}

		be, closeBackend, err := newBackend()
		if err != nil {
			return err
		}
		defer closeBackend()

		ctrl, lookup, err := newController(be, target.LaunchOptions{})
		if err != nil {
			return err
		}

		h, err := ctrl.Attach(pid)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "process %d attached\n", h.Pid())

		runSession(ctrl, h, lookup, false)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
