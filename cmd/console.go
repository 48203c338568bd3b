package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/breenix/breenix-go/kernel"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Attach an interactive raw-mode console to a freshly booted kernel",
	Args:  cobra.NoArgs,
	RunE:  runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

// runConsole puts the controlling terminal into raw mode (the same
// term.IsTerminal/MakeRaw/Restore bracket container/exec.go uses around
// a PTY-attached command) and runs a tiny line editor against stdin,
// since raw mode disables the host tty driver's own echo and line
// buffering. golang.org/x/sys/unix supplies the SIGWINCH signal number
// so a resize while attached reprints the banner at the new width
// instead of leaving it stale.
func runConsole(cmd *cobra.Command, args []string) error {
	k, err := kernel.Boot(kernel.Config{})
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return runConsoleNonInteractive(k)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("make terminal raw: %w", err)
	}
	defer term.Restore(fd, oldState)

	printBanner(fd)
	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, unix.SIGWINCH)
	defer signal.Stop(sigwinch)
	go func() {
		for range sigwinch {
			printBanner(fd)
		}
	}()

	return runREPL(k, fd)
}

func printBanner(fd int) {
	width, _, err := term.GetSize(fd)
	if err != nil {
		width = 80
	}
	fmt.Fprint(os.Stdout, "\r\n")
	fmt.Fprint(os.Stdout, strings.Repeat("=", width)+"\r\n")
	fmt.Fprint(os.Stdout, "kernelctl console: ps | tcp | quit\r\n")
	fmt.Fprint(os.Stdout, strings.Repeat("=", width)+"\r\n")
}

// runREPL implements the minimal raw-mode line editor: it echoes each
// typed rune itself, handles backspace/DEL and Ctrl-C/Ctrl-D, and
// dispatches a completed line once Enter is seen.
func runREPL(k *kernel.Kernel, fd int) error {
	var line []byte
	buf := make([]byte, 1)
	for {
		fmt.Fprint(os.Stdout, "\r\n> ")
		line = line[:0]
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil || n == 0 {
				return err
			}
			b := buf[0]
			switch {
			case b == 0x03 || b == 0x04: // Ctrl-C / Ctrl-D
				fmt.Fprint(os.Stdout, "\r\n")
				return nil
			case b == '\r' || b == '\n':
				fmt.Fprint(os.Stdout, "\r\n")
				goto dispatch
			case b == 0x7f || b == 0x08: // backspace/DEL
				if len(line) > 0 {
					line = line[:len(line)-1]
					fmt.Fprint(os.Stdout, "\b \b")
				}
			default:
				line = append(line, b)
				os.Stdout.Write(buf)
			}
		}
	dispatch:
		if !dispatchCommand(k, string(line)) {
			return nil
		}
	}
}

// dispatchCommand executes one console command and reports whether the
// console should keep running.
func dispatchCommand(k *kernel.Kernel, cmdLine string) bool {
	switch strings.TrimSpace(cmdLine) {
	case "quit", "exit":
		return false
	case "ps":
		for _, p := range k.Processes.Snapshot() {
			fmt.Fprintf(os.Stdout, "pid=%d pgid=%d state=%s\r\n", p.PID, p.PGID, p.State())
		}
	case "tcp":
		for _, c := range k.LocalTCP.Snapshot() {
			fmt.Fprintf(os.Stdout, "%+v\r\n", c)
		}
	case "":
	default:
		fmt.Fprintf(os.Stdout, "unknown command %q\r\n", cmdLine)
	}
	return true
}

// runConsoleNonInteractive serves the same commands over stdin/stdout
// without raw mode, for scripted or piped invocations where there is no
// real terminal to put in raw mode.
func runConsoleNonInteractive(k *kernel.Kernel) error {
	fmt.Println("kernelctl console (non-interactive): ps | tcp | quit")
	var line string
	for {
		fmt.Print("> ")
		if _, err := fmt.Scanln(&line); err != nil {
			return nil
		}
		if !dispatchCommand(k, line) {
			return nil
		}
	}
}
