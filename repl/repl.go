// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Returned by a handler to end the repl after its answer was written
var ErrQuit = errors.New("quit")

type MessageHandler func(string, *Repl) (string, error)

// ReadCloser combines the Reader and Closer interfaces
type ReadCloser interface {
	io.Reader
	io.Closer
}

type Repl struct {
	Input  ReadCloser
	Output io.WriteCloser
	// Written before every line is read, empty for none
	Prompt  string
	scanner *bufio.Scanner
	lock    sync.Mutex
	writer  *bufio.Writer
	closed  bool
}

// Creates a new repl
// If no input is given, stdin will be used
// If no output is given, stdout will be used
// Note: The given reader and writer will be closed if the repl is started and then stops
func NewRepl(in ReadCloser, out io.WriteCloser) *Repl {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &Repl{
		Input:   in,
		Output:  out,
		scanner: bufio.NewScanner(in),
		writer:  bufio.NewWriter(out),
	}
}

// Starts the repl
// Blocks execution until the repl closes
// All non-empty input will be passed to the handler func
// If it receives an error from the message handler or during writing, it calls Close.
// ErrQuit from the handler ends the repl without an error.
func (r *Repl) Run(onMessage MessageHandler) error {
	defer r.Close()
	if err := r.prompt(); err != nil {
		return err
	}
	for r.scanner.Scan() {
		newMessage := strings.TrimSpace(r.scanner.Text())
		if newMessage == "" {
			if err := r.prompt(); err != nil {
				return err
			}
			continue
		}
		res, err := onMessage(newMessage, r)
		quit := errors.Is(err, ErrQuit)
		if err != nil && !quit {
			return fmt.Errorf("message handler errored out on message \"%s\": %w", newMessage, err)
		}
		if werr := r.Println(res); werr != nil {
			return fmt.Errorf("failed to write result \"%s\": %w", res, werr)
		}
		if quit {
			return nil
		}
		if err = r.prompt(); err != nil {
			return err
		}
	}
	if err := r.scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return nil
}

// Println writes one line to the output, safe to call from other goroutines
func (r *Repl) Println(line string) error {
	return r.write(line + "\n")
}

func (r *Repl) prompt() error {
	if r.Prompt == "" {
		return nil
	}
	return r.write(r.Prompt)
}

func (r *Repl) write(s string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return io.ErrClosedPipe
	}
	if _, err := r.writer.WriteString(s); err != nil {
		return err
	}
	if err := r.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

// Close stops the repl if it was still running
// This will also close the reader and writer
func (r *Repl) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.Input.Close()
	r.Output.Close()
}
