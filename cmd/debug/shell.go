package debug

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hitzhangjie/teleproc/pkg/logflags"
	"github.com/hitzhangjie/teleproc/pkg/target"
)

const (
	cmdGroupAnnotation = "cmd_group_annotation"

	cmdGroupCtrlFlow = "1-execute"
	cmdGroupMemory   = "2-memory"
	cmdGroupThreads  = "3-threads"
	cmdGroupWatch    = "4-watch"
	cmdGroupOthers   = "5-other"
	cmdGroupCobra    = "other"

	cmdGroupDelimiter = "-"

	prefix    = "teleproc> "
	descShort = "teleproc interactive control commands"
)

var debugRootCmd = &cobra.Command{
	Use:           "help [command]",
	Short:         descShort,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	CurrentSession *DebugSession
)

// DebugSession 控制会话，持有目标进程的句柄
type DebugSession struct {
	done    chan bool
	prefix  string
	root    *cobra.Command
	liner   *liner.State
	scanner *bufio.Scanner
	out     io.Writer
	last    string
	log     logflags.Logger

	ctrl    *target.Controller
	handle  *target.Handle
	lookup  target.SpecificsLookup
	watches *watchTable

	defers  []func()
	cleanup sync.Once
}

// NewDebugSession 创建一个交互管理器，in是终端时使用liner，否则逐行读取命令
func NewDebugSession(ctrl *target.Controller, h *target.Handle, lookup target.SpecificsLookup, in io.Reader, out io.Writer) *DebugSession {

	fn := func(cmd *cobra.Command, args []string) {
		w := cmd.OutOrStdout()
		// 描述信息
		fmt.Fprintln(w, cmd.Short)
		fmt.Fprintln(w)

		// 使用信息
		fmt.Fprintln(w, cmd.Use)
		fmt.Fprintln(w, cmd.Flags().FlagUsages())

		// 命令分组
		if cmd == debugRootCmd {
			fmt.Fprintln(w, helpMessageByGroups(cmd))
		}
	}
	debugRootCmd.SetHelpFunc(fn)
	debugRootCmd.SetOut(out)
	debugRootCmd.SetErr(out)

	s := &DebugSession{
		done:    make(chan bool),
		prefix:  prefix,
		root:    debugRootCmd,
		out:     out,
		log:     logflags.ShellLogger(),
		ctrl:    ctrl,
		handle:  h,
		lookup:  lookup,
		watches: newWatchTable(),
	}
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		s.liner = liner.NewLiner()
	} else {
		s.scanner = bufio.NewScanner(in)
	}
	return s
}

func (s *DebugSession) Start() {
	if s.liner != nil {
		s.liner.SetCompleter(completer)
		s.liner.SetTabCompletionStyle(liner.TabPrints)
		defer s.liner.Close()
	}

	defer s.Cleanup()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		txt, err := s.readLine()
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil {
			if err != io.EOF {
				s.log.Errorf("read command: %v", err)
			}
			return
		}

		if err := s.Exec(txt); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	}
}

func (s *DebugSession) readLine() (string, error) {
	if s.scanner != nil {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return strings.TrimSpace(s.scanner.Text()), nil
	}

	txt, err := s.liner.Prompt(s.prefix)
	if err != nil {
		return "", err
	}
	txt = strings.TrimSpace(txt)
	if len(txt) != 0 {
		s.last = txt
		s.liner.AppendHistory(txt)
	} else {
		// 空行重复上一条命令
		txt = s.last
	}
	return txt, nil
}

// Exec 执行一条命令
func (s *DebugSession) Exec(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 || strings.HasPrefix(args[0], "#") {
		return nil
	}
	s.log.Debugf("exec %q", line)

	resetFlags(s.root)
	s.root.SetArgs(args)
	return s.root.Execute()
}

func (s *DebugSession) AtExit(fn func()) *DebugSession {
	s.defers = append(s.defers, fn)
	return s
}

// Cleanup 执行AtExit注册的清理函数，只执行一次
func (s *DebugSession) Cleanup() {
	s.cleanup.Do(func() {
		for idx := len(s.defers) - 1; idx >= 0; idx-- {
			s.defers[idx]()
		}
	})
}

func (s *DebugSession) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// resetFlags 命令树是全局的，每次执行前恢复flag默认值
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

var errNoSession = errors.New("no process under control")

// session 返回当前会话，句柄已释放时返回错误
func session() (*DebugSession, error) {
	s := CurrentSession
	if s == nil || s.ctrl == nil || s.handle == nil {
		return nil, errNoSession
	}
	if s.ctrl.State(s.handle) == target.Uninitialized {
		return nil, fmt.Errorf("%w: %v", errNoSession, target.ErrHandleReleased)
	}
	return s, nil
}

func completer(line string) []string {
	cmds := []string{}
	for _, c := range debugRootCmd.Commands() {
		// complete cmd
		if strings.HasPrefix(c.Use, line) {
			cmds = append(cmds, strings.Split(c.Use, " ")[0])
		}
		// complete cmd's aliases
		for _, alias := range c.Aliases {
			if strings.HasPrefix(alias, line) {
				cmds = append(cmds, alias)
			}
		}
	}
	return cmds
}

// helpMessageByGroups 将各个命令按照分组归类，再展示帮助信息
func helpMessageByGroups(cmd *cobra.Command) string {

	// key:group, val:sorted commands in same group
	groups := map[string][]string{}
	for _, c := range cmd.Commands() {
		// 如果没有指定命令分组，放入other组
		var groupName string
		v, ok := c.Annotations[cmdGroupAnnotation]
		if !ok {
			groupName = cmdGroupCobra
		} else {
			groupName = v
		}

		groupCmds := groups[groupName]
		groupCmds = append(groupCmds, fmt.Sprintf("  %-16s:%s", c.Name(), c.Short))
		sort.Strings(groupCmds)

		groups[groupName] = groupCmds
	}

	if len(groups[cmdGroupCobra]) != 0 {
		groups[cmdGroupOthers] = append(groups[cmdGroupOthers], groups[cmdGroupCobra]...)
	}
	delete(groups, cmdGroupCobra)

	// 按照分组名进行排序
	groupNames := []string{}
	for k := range groups {
		groupNames = append(groupNames, k)
	}
	sort.Strings(groupNames)

	// 按照group分组，并对组内命令进行排序
	buf := bytes.Buffer{}
	for _, groupName := range groupNames {
		commands := groups[groupName]

		group := strings.Split(groupName, cmdGroupDelimiter)[1]
		buf.WriteString(fmt.Sprintf("- [%s]\n", group))

		for _, cmd := range commands {
			buf.WriteString(fmt.Sprintf("%s\n", cmd))
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
