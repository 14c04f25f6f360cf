// Package prompt is the console side of the menus: print a question,
// read a line back, repeat until the answer makes sense.
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type line struct {
	text string
	err  error
}

// Prompter reads answers from in and writes questions to out.
//
// Lines are read on a separate goroutine so a blocked read doesn't
// keep ctrl-c (context cancellation) from getting through.
type Prompter struct {
	in    *bufio.Reader
	out   io.Writer
	lines chan line
}

func New(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

func (p *Prompter) Out() io.Writer {
	return p.out
}

func (p *Prompter) reader() {
	for {
		s, err := p.in.ReadString('\n')
		if err == io.EOF && s != "" {
			// Last line without a newline still counts.
			p.lines <- line{text: s}
			continue
		}
		p.lines <- line{text: s, err: err}
		if err != nil {
			close(p.lines)
			return
		}
	}
}

// ReadLine returns the next line of input, trimmed.
func (p *Prompter) ReadLine(ctx context.Context) (string, error) {
	if p.lines == nil {
		p.lines = make(chan line)
		go p.reader()
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		if l.err != nil {
			return "", l.err
		}
		return strings.TrimSpace(l.text), nil
	}
}

// Pick asks for a number in [1, n] until it gets one and returns the
// zero based index.
func (p *Prompter) Pick(ctx context.Context, question string, n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("nothing to choose from")
	}
	for {
		fmt.Fprintf(p.out, "%s (1-%d): ", question, n)
		s, err := p.ReadLine(ctx)
		if err != nil {
			return 0, errors.Wrap(err, "reading choice")
		}
		if i, err := strconv.Atoi(s); err == nil && i >= 1 && i <= n {
			return i - 1, nil
		}
		fmt.Fprintf(p.out, "invalid choice %q, try again\n", s)
	}
}

// Choose prints a numbered menu and returns the index picked.
func (p *Prompter) Choose(ctx context.Context, title string, labels []string) (int, error) {
	if len(labels) == 0 {
		return 0, errors.Newf("%s: nothing to choose from", title)
	}
	fmt.Fprintf(p.out, "\n%s\n", title)
	for i, l := range labels {
		fmt.Fprintf(p.out, "  [%d] %s\n", i+1, l)
	}
	return p.Pick(ctx, "choose", len(labels))
}

// Confirm is a y/n question, anything but y/yes is a no.
func (p *Prompter) Confirm(ctx context.Context, question string) (bool, error) {
	fmt.Fprintf(p.out, "%s (y/n): ", question)
	s, err := p.ReadLine(ctx)
	if err != nil {
		return false, errors.Wrap(err, "reading answer")
	}
	switch strings.ToLower(s) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
