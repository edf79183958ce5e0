package debug

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <addr> <size>",
	Short: "添加写观察点",
	Long: `添加写观察点，目标进程写入[addr, addr+size)后停止，
停止的线程状态为WATCHPOINT。`,
	Aliases: []string{"w"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupWatch,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, size, err := parseArea(args)
		if err != nil {
			return err
		}
		s, err := session()
		if err != nil {
			return err
		}
		if s.watches.has(addr, size) {
			return fmt.Errorf("watchpoint at %#x size %d already exists", addr, size)
		}
		if !s.ctrl.ActivateWatchpoint(s.handle, addr, size) {
			return fmt.Errorf("could not set watchpoint at %#x size %d", addr, size)
		}
		wp := s.watches.add(addr, size)
		fmt.Fprintf(cmd.OutOrStdout(), "watchpoint[%d] addr:%#x, size:%d\n", wp.ID, wp.Addr, wp.Size)
		return nil
	},
}

var unwatchCmd = &cobra.Command{
	Use:   "unwatch <addr> <size> | unwatch <id>",
	Short: "删除观察点",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupWatch,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session()
		if err != nil {
			return err
		}

		var addr, size uint64
		if len(args) == 1 {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid watchpoint id: %s", args[0])
			}
			wp := s.watches.find(id)
			if wp == nil {
				return fmt.Errorf("watchpoint %d not found", id)
			}
			addr, size = wp.Addr, wp.Size
		} else {
			addr, size, err = parseArea(args)
			if err != nil {
				return err
			}
		}

		if !s.ctrl.DeactivateWatchpoint(s.handle, addr, size) {
			return fmt.Errorf("could not clear watchpoint at %#x size %d", addr, size)
		}
		if wp := s.watches.remove(addr, size); wp != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "watchpoint[%d] removed\n", wp.ID)
		}
		return nil
	},
}

var watchesCmd = &cobra.Command{
	Use:     "watches",
	Short:   "列出所有观察点",
	Aliases: []string{"ws", "watchpoints"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupWatch,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session()
		if err != nil {
			return err
		}
		for _, wp := range s.watches.list() {
			fmt.Fprintf(cmd.OutOrStdout(), "watchpoint[%d] addr:%#x, size:%d\n", wp.ID, wp.Addr, wp.Size)
		}
		return nil
	},
}

var unwatchAllCmd = &cobra.Command{
	Use:   "unwatchall",
	Short: "清除所有的观察点",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupWatch,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := session()
		if err != nil {
			return err
		}
		for _, wp := range s.watches.list() {
			if !s.ctrl.DeactivateWatchpoint(s.handle, wp.Addr, wp.Size) {
				return fmt.Errorf("清除观察点%d失败", wp.ID)
			}
			s.watches.remove(wp.Addr, wp.Size)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "清空观察点成功")
		return nil
	},
}

func parseArea(args []string) (addr, size uint64, err error) {
	if len(args) != 2 {
		return 0, 0, errors.New("参数错误：需要 <addr> <size>")
	}
	if addr, err = parseAddress(args[0]); err != nil {
		return 0, 0, err
	}
	size, err = strconv.ParseUint(args[1], 0, 64)
	if err != nil || size == 0 {
		return 0, 0, fmt.Errorf("invalid size: %s", args[1])
	}
	return addr, size, nil
}

func init() {
	debugRootCmd.AddCommand(watchCmd)
	debugRootCmd.AddCommand(unwatchCmd)
	debugRootCmd.AddCommand(watchesCmd)
	debugRootCmd.AddCommand(unwatchAllCmd)
}
