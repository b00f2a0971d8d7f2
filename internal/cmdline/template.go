// Package cmdline parses external tool command lines with {placeholder} arguments.
package cmdline

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

var ErrEmpty = errors.New("cmdline: command is empty")

type Template struct {
	Name string
	Args []string
}

func Parse(command string) (Template, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return Template{}, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return Template{}, ErrEmpty
	}
	return Template{Name: args[0], Args: args[1:]}, nil
}

// Available reports an error when the executable is not on PATH.
func (t Template) Available() error {
	_, err := exec.LookPath(t.Name)
	return err
}

// Expand substitutes every placeholder key found inside each argument.
func (t Template) Expand(values map[string]string) []string {
	out := make([]string, len(t.Args))
	for i, a := range t.Args {
		for k, v := range values {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}
