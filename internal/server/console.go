// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// maxHistory bounds the in-memory command history the console keeps for the
// "history" built-in.
const maxHistory = 200

// Console is the operator-facing command loop: readline-style history over
// a line-oriented bufio.Scanner, since no readline-equivalent library is
// present anywhere in the example pack. It shares its grammar with handler
// scripts via Server.Dispatch.
type Console struct {
	srv *Server
	in io.Reader
	out io.Writer
	history []string
}

// NewConsole creates an operator console reading lines from in and writing
// prompts/results to out.
func NewConsole(srv *Server, in io.Reader, out io.Writer) *Console {
	return &Console{srv: srv, in: in, out: out}
}

// Run reads lines until EOF or ctx is canceled, dispatching each as a
// command. It never returns an error for a failed command — failures are
// printed and the loop continues.
func (c *Console) Run(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	fmt.Fprint(c.out, "botwave> ")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			c.record(line)
			c.runLine(ctx, line)
		}
		fmt.Fprint(c.out, "botwave> ")
	}
}

func (c *Console) runLine(ctx context.Context, line string) {
	if strings.EqualFold(line, "history") {
		for i, h := range c.history {
			fmt.Fprintf(c.out, "%4d %s\n", i+1, h)
		}
		return
	}

	res := c.srv.Dispatch(ctx, line)
	if res.Err != nil {
		fmt.Fprintf(c.out, "error: %v\n", res.Err)
		return
	}
	for _, l := range res.Lines {
		fmt.Fprintln(c.out, l)
	}
}

func (c *Console) record(line string) {
	c.history = append(c.history, line)
	if len(c.history) > maxHistory {
		c.history = c.history[len(c.history)-maxHistory:]
	}
}
