// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders the worker's outbound event stream to the
// terminal: a live progress bar while interactive, plain lines otherwise
// (piped output, CI logs).
package tui

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/bodaay/gamepatcher/internal/events"
)

// Renderer turns events.Message values into terminal output. It is safe to
// use as an events.Emitter directly (Handle has the right signature).
type Renderer struct {
	out         io.Writer
	interactive bool

	mu  sync.Mutex
	bar *pb.ProgressBar

	connecting *color.Color
	errorColor *color.Color
	state      *color.Color
}

// New builds a Renderer writing to stdout, auto-detecting an interactive
// terminal via mattn/go-isatty, with ANSI translated for legacy Windows
// consoles via mattn/go-colorable.
func New() *Renderer {
	out := colorable.NewColorableStdout()
	interactive := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	return &Renderer{
		out:         out,
		interactive: interactive,
		connecting:  color.New(color.FgCyan),
		errorColor:  color.New(color.FgRed, color.Bold),
		state:       color.New(color.FgGreen, color.Bold),
	}
}

// Emitter returns r.Handle typed as events.Emitter, for wiring into
// worker.Deps.
func (r *Renderer) Emitter() events.Emitter { return r.Handle }

// Handle renders one message. It is safe for concurrent use.
func (r *Renderer) Handle(m events.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch m.Kind {
	case events.KindConnecting:
		r.finishBar()
		r.connecting.Fprintln(r.out, m.Text)
	case events.KindDownloading:
		r.renderProgress(m)
	case events.KindError:
		r.finishBar()
		r.errorColor.Fprintln(r.out, "error: "+m.Text)
	case events.KindPatchStatus:
		r.finishBar()
		r.state.Fprintf(r.out, "[%s]\n", m.State)
	}
}

func (r *Renderer) renderProgress(m events.Message) {
	if !r.interactive {
		fmt.Fprintf(r.out, "%3.0f%% %s\n", m.Progress*100, m.Text)
		return
	}

	if r.bar == nil {
		tmpl := `{{ bar . "[" "=" ">" "-" "]" }} {{ percent . }} {{ string . "text" }}`
		r.bar = pb.ProgressBarTemplate(tmpl).Start(100)
		r.bar.SetWriter(r.out)
		if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
			r.bar.SetWidth(width)
		}
	}

	r.bar.Set("text", m.Text)
	r.bar.SetCurrent(int64(m.Progress * 100))
	if m.Progress >= 1 {
		r.finishBarLocked()
	}
}

func (r *Renderer) finishBar() { r.finishBarLocked() }

func (r *Renderer) finishBarLocked() {
	if r.bar != nil {
		r.bar.Finish()
		r.bar = nil
	}
}

// Close finalizes any in-flight progress bar. Call it once after the
// worker loop exits.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishBarLocked()
}
