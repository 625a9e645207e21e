package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/Ning0612/Meshsync/internal/domain"
	"github.com/Ning0612/Meshsync/internal/logger"
)

// promptQueue bounds the cases waiting for the console
const promptQueue = 64

// decider accepts a manual decision for a pending case
type decider interface {
	Decide(caseID string, d domain.Decision) error
	PendingCases() []domain.ConflictCase
}

// consolePrompter asks on the console which copy of a conflicting file to
// keep. Present only queues the case; Run asks one case at a time.
type consolePrompter struct {
	in      io.Reader
	out     io.Writer
	roots   []string
	decider decider
	cases   chan domain.ConflictCase

	mu     sync.Mutex
	queued map[string]bool
	// dropped is set when a case did not fit into the queue
	dropped bool
}

func newConsolePrompter(in io.Reader, out io.Writer, roots []string) *consolePrompter {
	return &consolePrompter{
		in:     in,
		out:    out,
		roots:  roots,
		cases:  make(chan domain.ConflictCase, promptQueue),
		queued: make(map[string]bool),
	}
}

// Present queues c for the console. It never blocks the engine; a case
// that does not fit is fetched again once the queue has drained.
func (p *consolePrompter) Present(c domain.ConflictCase) {
	if !p.enqueue(c) {
		logger.Get().Warn("Too many open conflicts, case will be asked later", "path", c.Path, "case", c.ID)
	}
}

func (p *consolePrompter) enqueue(c domain.ConflictCase) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued[c.ID] {
		return true
	}
	select {
	case p.cases <- c:
		p.queued[c.ID] = true
		return true
	default:
		p.dropped = true
		return false
	}
}

// refill queues the pending cases again after some were dropped
func (p *consolePrompter) refill() {
	p.mu.Lock()
	if !p.dropped || len(p.cases) > 0 {
		p.mu.Unlock()
		return
	}
	p.dropped = false
	p.mu.Unlock()

	for _, c := range p.decider.PendingCases() {
		if !p.enqueue(c) {
			return
		}
	}
}

// Run asks about queued cases until ctx is done or input ends
func (p *consolePrompter) Run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		p.refill()
		select {
		case <-ctx.Done():
			return
		case c := <-p.cases:
			p.mu.Lock()
			delete(p.queued, c.ID)
			p.mu.Unlock()
			if !p.ask(ctx, c, lines) {
				return
			}
		}
	}
}

// ask repeats the question until the answer is accepted. It reports
// false once no more answers can be read.
func (p *consolePrompter) ask(ctx context.Context, c domain.ConflictCase, lines <-chan string) bool {
	options := c.Live()
	for {
		p.show(c, options)

		var line string
		select {
		case <-ctx.Done():
			return false
		case l, ok := <-lines:
			if !ok {
				return false
			}
			line = l
		}

		d, err := parseChoice(line, options)
		if err != nil {
			fmt.Fprintf(p.out, "%s %v\n", red("Invalid choice:"), err)
			continue
		}

		err = p.decider.Decide(c.ID, d)
		switch {
		case err == nil:
			if d.Action == domain.DecisionSkip {
				fmt.Fprintf(p.out, "%s left %s as it is\n", yellow("–"), c.Path)
			} else {
				fmt.Fprintf(p.out, "%s keeping %s from root %d\n", green("✓"), c.Path, d.Root)
			}
			return true
		case errors.Is(err, domain.ErrCaseNotFound):
			fmt.Fprintf(p.out, "%s %s changed or was settled meanwhile\n", yellow("!"), c.Path)
			return true
		default:
			fmt.Fprintf(p.out, "%s %v\n", red("Invalid choice:"), err)
		}
	}
}

func (p *consolePrompter) show(c domain.ConflictCase, options []domain.Candidate) {
	origin := "changed while running"
	if c.Startup {
		origin = "found at startup"
	}
	fmt.Fprintf(p.out, "\n%s %s (%s)\n", red("Conflict:"), cyan(c.Path), origin)

	for i, cand := range options {
		rec := cand.Record
		fmt.Fprintf(p.out, "  [%d] %s  %s  modified %s %s\n",
			i+1, p.rootName(cand.Root), humanize.Bytes(uint64(rec.Size)),
			rec.ModTime.Format("2006-01-02 15:04:05"), faint("("+humanize.Time(rec.ModTime)+")"))
	}
	for _, cand := range c.Candidates {
		if !cand.Record.Exists {
			fmt.Fprintf(p.out, "      %s  %s\n", p.rootName(cand.Root), faint("deleted"))
		}
	}
	fmt.Fprintf(p.out, "Keep which copy? [1-%d, s to skip]: ", len(options))
}

func (p *consolePrompter) rootName(root int) string {
	if root >= 0 && root < len(p.roots) {
		return fmt.Sprintf("root %d %s", root, p.roots[root])
	}
	return fmt.Sprintf("root %d", root)
}

func parseChoice(line string, options []domain.Candidate) (domain.Decision, error) {
	line = strings.ToLower(strings.TrimSpace(line))
	switch line {
	case "":
		return domain.Decision{}, fmt.Errorf("enter a number or s")
	case "s", "skip":
		return domain.Skip(), nil
	}

	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(options) {
		return domain.Decision{}, fmt.Errorf("%q is not one of 1-%d or s", line, len(options))
	}
	return domain.Accept(options[n-1].Root), nil
}
