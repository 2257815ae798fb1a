package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
)

// browserNavigator prints the login URL and, when open is set, hands it
// to the system browser.
type browserNavigator struct {
	out    io.Writer
	open   bool
	logger *slog.Logger
	// opener defaults to openBrowser.
	opener func(string) error
}

func (b *browserNavigator) Navigate(_ context.Context, target string) error {
	fmt.Fprintf(b.out, "Open this URL to sign in:\n\n  %s\n\n", target)

	if !b.open {
		return nil
	}

	opener := b.opener
	if opener == nil {
		opener = openBrowser
	}

	if err := opener(target); err != nil {
		b.logger.Debug("could not open browser", slog.String("error", err.Error()))
	}

	return nil
}

func openBrowser(targetURL string) error {
	targetURL = strings.TrimSpace(targetURL)
	if targetURL == "" {
		return fmt.Errorf("url was empty")
	}

	if _, err := url.Parse(targetURL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	var (
		cmd  string
		args []string
	)

	switch runtime.GOOS {
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler"}
	case "darwin":
		cmd = "open"
	default:
		cmd = "xdg-open"
	}

	args = append(args, targetURL)

	return exec.Command(cmd, args...).Start()
}
