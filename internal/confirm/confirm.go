package confirm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/oshokin/fwforge/internal/install"
	"github.com/oshokin/fwforge/internal/logger"
)

// errNoAnswer is returned when input ends before an answer is read.
var errNoAnswer = errors.New("no answer: input closed")

// Terminal asks the operator on a line-oriented terminal.
//
// A single goroutine reads the input for the life of the Terminal. A prompt
// abandoned through its context leaves that reader in place, and the line it
// is waiting for answers the next prompt.
type Terminal struct {
	// mu serializes prompts.
	mu sync.Mutex
	// in reads answers.
	in *bufio.Reader
	// out receives prompts.
	out io.Writer
	// start launches the reader on the first prompt.
	start sync.Once
	// lines carries answers from the reader; it is closed when input ends.
	lines chan answer
}

// answer is one line read from the terminal.
type answer struct {
	text string
	err  error
}

// NewTerminal returns a Terminal reading from in and prompting on out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, lines: make(chan answer)}
}

// Confirm implements install.Confirmer.
// Token requests pass the typed line through; yes/no requests accept "y" or "yes".
func (t *Terminal) Confirm(ctx context.Context, request install.ConfirmationRequest) (install.Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	suffix := " [y/N]: "
	if request.Token != "" {
		suffix = ": "
	}

	if _, err := fmt.Fprint(t.out, request.Prompt+suffix); err != nil {
		return install.Decision{}, fmt.Errorf("write prompt: %w", err)
	}

	answer, err := t.readLine(ctx)
	if err != nil {
		return install.Decision{}, err
	}

	if request.Token != "" {
		return install.Decision{Approved: answer != "", Token: answer}, nil
	}

	switch strings.ToLower(answer) {
	case "y", "yes":
		return install.Decision{Approved: true}, nil
	default:
		return install.Decision{}, nil
	}
}

// readLine returns one trimmed line, giving up when ctx is done.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	t.start.Do(func() { go t.readLines() })

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a, ok := <-t.lines:
		if !ok {
			return "", errNoAnswer
		}

		return a.text, a.err
	}
}

// readLines feeds lines to readLine until the input ends or fails.
func (t *Terminal) readLines() {
	defer close(t.lines)

	for {
		text, err := t.in.ReadString('\n')
		if err == nil || text != "" {
			t.lines <- answer{text: strings.TrimSpace(text)}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.lines <- answer{err: fmt.Errorf("read answer: %w", err)}
			}

			return
		}
	}
}

// Scripted answers from configuration for unattended runs.
type Scripted struct {
	// AssumeYes approves every yes/no request.
	AssumeYes bool
	// FlashToken is supplied to token requests; empty declines them.
	FlashToken string
}

// Confirm implements install.Confirmer.
func (s Scripted) Confirm(ctx context.Context, request install.ConfirmationRequest) (install.Decision, error) {
	if request.Token != "" {
		if s.FlashToken == "" {
			logger.WarnKV(ctx, "Unattended run has no flash token, declining", "kind", request.Kind)

			return install.Decision{}, nil
		}

		return install.Decision{Approved: true, Token: s.FlashToken}, nil
	}

	logger.InfoKV(ctx, "Unattended confirmation", "kind", request.Kind, "approved", s.AssumeYes, "prompt", request.Prompt)

	return install.Decision{Approved: s.AssumeYes}, nil
}
