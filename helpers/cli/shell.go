package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
)

type Command struct {
	Name        string
	Args        string // usage hint, e.g. "N"
	Description string
	// Run gets words after the name.
	Run func(args []string) error
}

// Shell dispatches input lines to named commands.
type Shell struct {
	log      *log2.Log
	commands map[string]Command
	suggests []prompt.Suggest
}

func NewShell(log *log2.Log, commands ...Command) *Shell {
	s := &Shell{log: log, commands: make(map[string]Command, len(commands))}
	for _, c := range commands {
		if _, dup := s.commands[c.Name]; dup {
			panic("code error duplicate command " + c.Name)
		}
		s.commands[c.Name] = c
		s.suggests = append(s.suggests, prompt.Suggest{Text: c.Name, Description: c.Description})
	}
	s.suggests = append(s.suggests, prompt.Suggest{Text: "help", Description: "list commands"})
	sort.Slice(s.suggests, func(i, j int) bool { return s.suggests[i].Text < s.suggests[j].Text })
	return s
}

// Exec is the prompt executor, errors are logged.
func (s *Shell) Exec(line string) {
	if err := s.Run(line); err != nil {
		s.log.Errorf("%s", err.Error())
		s.log.Debugf("%s", errors.ErrorStack(err))
	}
}

// Run executes one line. Empty line and comments are no-op.
func (s *Shell) Run(line string) error {
	words := strings.Fields(line)
	if len(words) == 0 || strings.HasPrefix(words[0], "#") {
		return nil
	}
	name := strings.ToLower(words[0])
	if name == "help" || name == "?" {
		s.log.Infof("%s", s.Usage())
		return nil
	}
	c, ok := s.commands[name]
	if !ok {
		return errors.NotFoundf("command '%s', try help", words[0])
	}
	return errors.Annotate(c.Run(words[1:]), c.Name)
}

func (s *Shell) Complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterFuzzy(s.suggests, d.GetWordBeforeCursor(), true)
}

func (s *Shell) Usage() string {
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, sg := range s.suggests {
		name := sg.Text
		if c, ok := s.commands[name]; ok && c.Args != "" {
			name += " " + c.Args
		}
		fmt.Fprintf(&b, "- %-14s %s\n", name, sg.Description)
	}
	return b.String()
}
