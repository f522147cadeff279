// Package cli provides interactive terminal prompt helpers for setup wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In, one per line.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// IsTerminal reports whether In is an interactive terminal.
func (p *Prompter) IsTerminal() bool {
	f, ok := p.In.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *Prompter) readLine() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask reads one line, returning defaultVal for an empty answer.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.printf("%s [%s]: ", question, defaultVal)
	} else {
		p.printf("%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// AskSecret reads a line without echo when In is a terminal. Piped input is
// read as a plain line.
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)
	if p.IsTerminal() {
		f := p.In.(*os.File)
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// AskInt asks until the answer is an integer >= min.
func (p *Prompter) AskInt(question string, defaultVal, min int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(defaultVal)))
		if err == nil && n >= min {
			return n
		}
		p.printf("  Please enter a whole number of at least %d.\n", min)
	}
}

// AskDuration asks until the answer parses as a positive duration ("90s", "10m").
func (p *Prompter) AskDuration(question string, defaultVal time.Duration) time.Duration {
	for {
		d, err := time.ParseDuration(p.Ask(question, defaultVal.String()))
		if err == nil && d > 0 {
			return d
		}
		p.printf("  Please enter a duration such as 90s or 10m.\n")
	}
}

// AskList reads a comma separated list. Blank entries are dropped.
func (p *Prompter) AskList(question string, defaultVal []string) []string {
	ans := p.Ask(question, strings.Join(defaultVal, ","))
	var out []string
	for _, item := range strings.Split(ans, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Choose lists options by number and returns the selected one.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}

	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(defaultIdx+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
