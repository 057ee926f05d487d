// Package instr tokenizes the textual form of evolved programs.
//
// A program is a list of calls separated by ';'. A call is a lower-case name
// optionally followed by a parenthesised list of numeric arguments:
//
//	grayscale; crop(2, 2, 28, 28); resize(32,32)
//
// Nothing here interprets the calls; each instruction set validates names and
// arity against its own closed table.
package instr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is returned for text that is not a well-formed call list.
var ErrSyntax = errors.New("syntax error")

// Call is one parsed instruction.
type Call struct {
	Name string
	Args []float64
}

func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = strconv.FormatFloat(a, 'g', -1, 64)
	}
	return fmt.Sprintf("%s(%s)", c.Name, strings.Join(args, ","))
}

// Int returns argument i as an integer, failing on fractional values.
func (c Call) Int(i int) (int, error) {
	if i >= len(c.Args) {
		return 0, fmt.Errorf("%w: %s: missing argument %d", ErrSyntax, c.Name, i)
	}
	v := c.Args[i]
	if v != float64(int(v)) {
		return 0, fmt.Errorf("%w: %s: argument %d must be an integer, got %g", ErrSyntax, c.Name, i, v)
	}
	return int(v), nil
}

// Ints returns all arguments as integers.
func (c Call) Ints() ([]int, error) {
	out := make([]int, len(c.Args))
	for i := range c.Args {
		v, err := c.Int(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Parse splits text into calls. Empty text yields no calls.
func Parse(text string) ([]Call, error) {
	var calls []Call
	for _, part := range strings.Split(text, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		c, err := parseCall(part)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, nil
}

func parseCall(s string) (Call, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		if !validName(s) {
			return Call{}, fmt.Errorf("%w: bad instruction name %q", ErrSyntax, s)
		}
		return Call{Name: s}, nil
	}
	if !strings.HasSuffix(s, ")") {
		return Call{}, fmt.Errorf("%w: unterminated call %q", ErrSyntax, s)
	}
	name := strings.TrimSpace(s[:open])
	if !validName(name) {
		return Call{}, fmt.Errorf("%w: bad instruction name %q", ErrSyntax, name)
	}
	body := strings.TrimSpace(s[open+1 : len(s)-1])
	c := Call{Name: name}
	if body == "" {
		return c, nil
	}
	for _, tok := range strings.Split(body, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil {
			return Call{}, fmt.Errorf("%w: %s: %v", ErrSyntax, name, err)
		}
		c.Args = append(c.Args, v)
	}
	return c, nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}
