package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Permission is the user's consent to system notifications.
type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

// ErrUnsupported is returned by notifiers that cannot show anything here.
var ErrUnsupported = errors.New("notify: system notifications unsupported")

// SystemNotifier raises a user-visible notification outside the process.
type SystemNotifier interface {
	Supported() bool
	Permission() Permission
	Notify(ctx context.Context, title, body string) error
}

// Nop never shows anything.
type Nop struct{}

// Supported implements SystemNotifier.
func (Nop) Supported() bool { return false }

// Permission implements SystemNotifier.
func (Nop) Permission() Permission { return PermissionDenied }

// Notify implements SystemNotifier.
func (Nop) Notify(context.Context, string, string) error { return ErrUnsupported }

// Desktop shows notifications through the freedesktop notify-send helper.
type Desktop struct {
	// Enabled is the granted permission; there is no interactive prompt.
	Enabled bool
	Command string
	AppName string

	lookPath func(string) (string, error)
}

// NewDesktop creates a Desktop notifier using notify-send.
func NewDesktop(enabled bool) *Desktop {
	return &Desktop{Enabled: enabled, Command: "notify-send", AppName: "bidsocket", lookPath: exec.LookPath}
}

// Supported reports whether the helper binary is on PATH.
func (d *Desktop) Supported() bool {
	look := d.lookPath
	if look == nil {
		look = exec.LookPath
	}
	_, err := look(d.Command)
	return err == nil
}

func (d *Desktop) Permission() Permission {
	if d.Enabled {
		return PermissionGranted
	}
	return PermissionDenied
}

func (d *Desktop) Notify(ctx context.Context, title, body string) error {
	if !d.Enabled {
		return fmt.Errorf("notify: permission denied")
	}
	cmd := exec.CommandContext(ctx, d.Command, "--app-name="+d.AppName, title, body)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify: %s: %w (%s)", d.Command, err, out)
	}
	return nil
}

var printer = message.NewPrinter(language.English)

// FormatRate renders a rate offer, e.g. "Rate offered: $5,000".
func FormatRate(rate float64) string {
	if rate == math.Trunc(rate) && math.Abs(rate) < 1e15 {
		return printer.Sprintf("Rate offered: $%d", int64(rate))
	}
	return printer.Sprintf("Rate offered: $%.2f", rate)
}

// Body is the system notification text: the message, or the formatted rate.
func Body(n Notification) string {
	if n.Message != "" {
		return n.Message
	}
	if n.Rate != nil {
		return FormatRate(*n.Rate)
	}
	return ""
}
