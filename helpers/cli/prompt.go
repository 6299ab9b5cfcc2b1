package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop feeds input lines to exec until EOF.
// Terminal gets an interactive prompt with completion, otherwise stdin is
// executed line by line. A signal calls stop, then exits.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest, stop func()) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		<-signalCh
		if stop != nil {
			stop()
		}
		os.Exit(1)
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionTitle(tag),
			prompt.OptionPrefix(tag+"> "),
		).Run()
		return
	}
	if err := ExecReader(os.Stdin, exec); err != nil {
		fmt.Fprintf(os.Stderr, "%s: stdin: %v\n", tag, err)
	}
}

// ExecReader runs exec for every trimmed line of r.
func ExecReader(r io.Reader, exec func(line string)) error {
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		exec(strings.TrimSpace(scan.Text()))
	}
	return scan.Err()
}
