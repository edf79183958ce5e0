/*
Copyright © 2020 hit.zhangjie@gmail.com

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
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hitzhangjie/teleproc/cmd/debug"
	"github.com/hitzhangjie/teleproc/pkg/logflags"
	"github.com/hitzhangjie/teleproc/pkg/target"
	"github.com/hitzhangjie/teleproc/pkg/target/native"
	"github.com/hitzhangjie/teleproc/pkg/target/simproc"
	"github.com/hitzhangjie/teleproc/pkg/threadspec"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "teleproc",
	Short: "teleproc是一个面向虚拟机检查器的进程控制代理",
	Long: `teleproc是一个面向虚拟机检查器的进程控制代理，
负责创建、挂起、恢复、等待和终止目标进程，读写目标进程内存，
枚举线程并设置写观察点。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logflags.Setup(viper.GetBool("log"), viper.GetString("log-output"), viper.GetString("log-dest"))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logflags.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "配置文件 (默认 $HOME/.teleproc.yaml)")
	flags.Bool("log", false, "开启调试日志")
	flags.String("log-output", "", "日志分层，逗号分隔：target, native, shell")
	flags.String("log-dest", "", "日志输出位置，文件路径或者文件描述符")
	flags.String("backend", "native", "进程控制后端：native, sim")
	flags.Int("agent-port", 0, "检查器监听端口，通过环境变量传递给目标进程")
	flags.String("agent-port-env", target.DefaultAgentPortEnv, "传递检查器端口的环境变量名")
	flags.StringSlice("faults", nil, "额外捕获的故障类型，如 access,divide")
	flags.Uint64("specifics-list", 0, "目标进程中线程特定数据链表头的地址")

	for _, name := range []string{"log", "log-output", "log-dest", "backend", "agent-port", "agent-port-env"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.BindPFlag("policy.faults", flags.Lookup("faults"))
	viper.BindPFlag("threads.specifics-list", flags.Lookup("specifics-list"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".teleproc")
	}

	viper.SetEnvPrefix("teleproc")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newBackend returns the process control backend selected by configuration.
func newBackend() (target.Backend, func(), error) {
	switch name := viper.GetString("backend"); name {
	case "native", "":
		be := native.New()
		return be, be.Close, nil
	case "sim":
		return simproc.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", name)
	}
}

// newController builds the controller and the thread specifics lookup from
// configuration.
func newController(be target.Backend, launch target.LaunchOptions) (*target.Controller, target.SpecificsLookup, error) {
	policy, err := target.NewVMPolicy(viper.GetStringSlice("policy.faults"))
	if err != nil {
		return nil, nil, err
	}
	ctrl := target.NewController(be, target.Config{
		Policy:       policy,
		AgentPortEnv: viper.GetString("agent-port-env"),
		Launch:       launch,
	})

	maps, err := threadspec.NewMapsLookup("", 0)
	if err != nil {
		return nil, nil, err
	}
	lookup := threadspec.Chain{
		threadspec.ListLookup{Head: viper.GetUint64("threads.specifics-list")},
		maps,
	}
	return ctrl, lookup, nil
}

// runSession runs the interactive shell on h and cleans up after it.
func runSession(ctrl *target.Controller, h *target.Handle, lookup target.SpecificsLookup, owned bool) {
	s := debug.NewDebugSession(ctrl, h, lookup, os.Stdin, os.Stdout)
	if owned {
		s.AtExit(func() { ctrl.Kill(h) })
	} else {
		s.AtExit(func() { ctrl.Release(h) })
	}
	debug.CurrentSession = s
	s.Start()
}
