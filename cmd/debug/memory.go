package debug

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"
)

const maxExamine = 64 << 10

var examineCmd = &cobra.Command{
	Use:   "x <addr> <len>",
	Short: "查看内存数据",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupMemory,
	},
	Aliases: []string{"examine"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return errors.New("usage: x <addr> <len>")
		}
		addr, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		length, err := strconv.Atoi(args[1])
		if err != nil || length <= 0 || length > maxExamine {
			return fmt.Errorf("invalid length: %s", args[1])
		}

		s, err := session()
		if err != nil {
			return err
		}
		buf := make([]byte, length)
		n := s.ctrl.ReadBytes(s.handle, addr, buf, 0, length)
		if n <= 0 {
			return fmt.Errorf("failed to read memory at address %#x", addr)
		}
		w := cmd.OutOrStdout()
		hexdump(w, addr, buf[:n])
		if n < length {
			fmt.Fprintf(w, "short read: %d of %d bytes\n", n, length)
		}
		return nil
	},
}

var setMemCmd = &cobra.Command{
	Use:   "setmem <addr> <hexbytes>",
	Short: "设置指定内存位置的值",
	Long: `设置指定内存位置的值，数据以十六进制字节串给出，

例如：setmem 0x7ffc8a410e28 deadbeef`,
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupMemory,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// 检查参数数量
		if len(args) != 2 {
			return errors.New("usage: setmem <addr> <hexbytes>")
		}

		// 解析地址参数
		addr, err := parseAddress(args[0])
		if err != nil {
			return err
		}

		// 解析值参数
		valueStr := strings.TrimPrefix(args[1], "0x")
		data, err := hex.DecodeString(valueStr)
		if err != nil || len(data) == 0 {
			return fmt.Errorf("invalid value format: %s", args[1])
		}

		s, err := session()
		if err != nil {
			return err
		}

		// 写入新值
		n := s.ctrl.WriteBytes(s.handle, addr, data, 0, len(data))
		if n <= 0 {
			return fmt.Errorf("failed to write memory at address %#x", addr)
		}
		if n < len(data) {
			fmt.Fprintf(cmd.OutOrStdout(), "short write: %d of %d bytes at %#x\n", n, len(data), addr)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes at %#x\n", n, addr)
		return nil
	},
}

var disassCmd = &cobra.Command{
	Use:   "disass <addr>",
	Short: "反汇编机器指令",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupMemory,
	},
	Aliases: []string{"dis", "disassemble"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			max, _    = cmd.Flags().GetUint64("max")
			syntax, _ = cmd.Flags().GetString("syntax")
		)
		if len(args) != 1 {
			return errors.New("usage: disass <addr>")
		}
		addr, err := parseAddress(args[0])
		if err != nil {
			return err
		}

		s, err := session()
		if err != nil {
			return err
		}

		// 指令数据
		dat := make([]byte, 1024)
		n := s.ctrl.ReadBytes(s.handle, addr, dat, 0, len(dat))
		if n <= 0 {
			return fmt.Errorf("peek text error at %#x", addr)
		}
		return disassemble(cmd.OutOrStdout(), addr, dat[:n], max, syntax)
	},
}

// disassemble 反汇编dat中最多max条指令，dat从地址addr开始
func disassemble(w io.Writer, addr uint64, dat []byte, max uint64, syntax string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 8, ' ', 0)
	defer tw.Flush()

	offset := uint64(0)
	count := uint64(0)

	for count < max && offset < uint64(len(dat)) {
		inst, err := x86asm.Decode(dat[offset:], 64)
		if err != nil {
			// 读到的数据可能截断了最后一条指令
			fmt.Fprintf(tw, "%#x:\t% x\t(bad)\n", addr+offset, dat[offset:offset+1])
			return nil
		}

		asm, err := instSyntax(inst, addr+offset, syntax)
		if err != nil {
			return fmt.Errorf("x86asm syntax error: %v", err)
		}

		end := offset + uint64(inst.Len)
		fmt.Fprintf(tw, "%#x:\t% x\t%s\n", addr+offset, dat[offset:end], asm)
		offset = end
		count++
	}
	return nil
}

func instSyntax(inst x86asm.Inst, pc uint64, syntax string) (string, error) {
	asm := ""
	switch syntax {
	case "go":
		asm = x86asm.GoSyntax(inst, pc, nil)
	case "gnu":
		asm = x86asm.GNUSyntax(inst, pc, nil)
	case "intel":
		asm = x86asm.IntelSyntax(inst, pc, nil)
	default:
		return "", fmt.Errorf("invalid asm syntax %q", syntax)
	}
	return asm, nil
}

func hexdump(w io.Writer, addr uint64, data []byte) {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		ascii := make([]byte, len(line))
		for i, b := range line {
			if b >= 0x20 && b < 0x7f {
				ascii[i] = b
			} else {
				ascii[i] = '.'
			}
		}
		fmt.Fprintf(w, "%#016x: %-47s  |%s|\n", addr+uint64(off), fmt.Sprintf("% x", line), ascii)
	}
}

func parseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address: %s", s)
	}
	return v, nil
}

func init() {
	debugRootCmd.AddCommand(examineCmd)
	debugRootCmd.AddCommand(setMemCmd)
	debugRootCmd.AddCommand(disassCmd)

	disassCmd.Flags().Uint64P("max", "n", 10, "反汇编指令数量")
	disassCmd.Flags().StringP("syntax", "s", "gnu", "反汇编指令语法，支持：go, gnu, intel")
}
