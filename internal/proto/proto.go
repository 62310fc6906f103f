// Package proto implements the line-oriented text wire protocol: a
// CRLF-terminated command line, an optional declared-length payload,
// and token replies.
package proto

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyCommand is returned for a blank command line
	ErrEmptyCommand = errors.New("empty command")
)

// Request is one parsed command line.
type Request struct {
	Cmd  string
	Args []string
}

// ParseLine splits a command line into the command name and its
// arguments. Command names are case-sensitive.
func ParseLine(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, ErrEmptyCommand
	}

	return Request{Cmd: fields[0], Args: fields[1:]}, nil
}
