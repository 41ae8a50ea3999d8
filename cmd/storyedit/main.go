// Command storyedit is an interactive shell for editing stories on a story
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"story-editor/pkg/alerts"
	"story-editor/pkg/backend"
	"story-editor/pkg/config"
	"story-editor/pkg/editor"
	"story-editor/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "storyedit:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", config.DefaultClientConfigPath(), "path to the JSONC config file")
	serverURL := pflag.StringP("server", "s", "", "story server url")
	token := pflag.StringP("token", "t", "", "editor token")
	draftDir := pflag.String("draft-dir", "", "directory for local drafts")
	logLevel := pflag.String("log-level", "", "log level")
	storyID := pflag.String("story", "", "story to load on start")
	commands := pflag.StringArrayP("command", "c", nil, "run a command and exit (repeatable)")
	pflag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		return err
	}
	flags := pflag.CommandLine
	if flags.Changed("server") {
		cfg.ServerURL = *serverURL
	}
	if flags.Changed("token") {
		cfg.Token = *token
	}
	if flags.Changed("draft-dir") {
		cfg.DraftDir = *draftDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	logger := logging.New(cfg.LogLevel, os.Stderr)
	client := backend.New(cfg.ServerURL, backend.WithToken(cfg.Token), backend.WithLogger(logger))

	drafts, err := editor.NewDraftStore(cfg.DraftDir)
	if err != nil {
		return err
	}

	out := &syncWriter{w: os.Stdout}
	alerter := alerts.NewService(logger)
	alerter.OnWarning = func(w alerts.Warning) {
		if w.Level == alerts.LevelFatal {
			out.Printf("fatal: %s\n", w.Message)
			return
		}
		out.Printf("warning: %s\n", w.Message)
	}

	state := editor.NewStateService(client, alerter, logger)
	sh := newShell(state, client, drafts, alerter, out, terminalTitle(os.Stdout))
	defer sh.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *storyID != "" {
		if _, err := sh.exec(ctx, "load "+*storyID); err != nil {
			return err
		}
	}

	if len(*commands) > 0 {
		for _, line := range *commands {
			if _, err := sh.exec(ctx, line); err != nil {
				return err
			}
		}
		return nil
	}
	return repl(ctx, sh)
}

func repl(ctx context.Context, sh *shell) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(sh.complete)

	historyPath := filepath.Join(filepath.Dir(config.DefaultClientConfigPath()), "history")
	if f, err := os.Open(historyPath); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if err := os.MkdirAll(filepath.Dir(historyPath), 0o755); err != nil {
			return
		}
		if f, err := os.Create(historyPath); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	sh.out.Printf("storyedit connected to %s. Type help for commands.\n", sh.client.BaseURL())
	for {
		input, err := line.Prompt(sh.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				_, err = sh.exec(ctx, "quit")
				return err
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		quit, err := sh.exec(ctx, input)
		if err != nil {
			sh.out.Printf("error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// terminalTitle sets the terminal window title when stdout is a terminal.
func terminalTitle(f *os.File) editor.TitleSetter {
	if !term.IsTerminal(int(f.Fd())) {
		return editor.TitleSetterFunc(func(string) {})
	}
	return editor.TitleSetterFunc(func(title string) {
		fmt.Fprintf(f, "\x1b]0;%s\x07", title)
	})
}
