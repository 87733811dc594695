package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/coltonfrstt/koltbot-control-plane/internal/model"
)

// terminalView prints the live assistant text incrementally. When a
// reordered fragment changes text that is already on screen, the line is
// reprinted.
type terminalView struct {
	w       io.Writer
	printed string
}

func newTerminalView(w io.Writer) *terminalView {
	return &terminalView{w: w}
}

func (v *terminalView) Live(text string) {
	if text == "" {
		v.printed = ""
		return
	}
	v.render(text)
}

func (v *terminalView) Commit(role model.Role, text string) {
	if role == model.RoleUser {
		return
	}
	v.render(text)
	fmt.Fprintln(v.w)
	v.printed = ""
}

func (v *terminalView) System(text string) {
	if v.printed != "" {
		fmt.Fprintln(v.w)
		v.printed = ""
	}
	fmt.Fprintf(v.w, "[%s]\n", text)
}

func (v *terminalView) render(text string) {
	if strings.HasPrefix(text, v.printed) {
		fmt.Fprint(v.w, text[len(v.printed):])
	} else {
		fmt.Fprint(v.w, "\r\033[K"+text)
	}
	v.printed = text
}
