// Command interview-live runs a voice interview against the live service
// using the local microphone and speaker, recording one clip per question.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var version = "dev"

type rootFlags struct {
	interviewPath string
	envFiles      []string
	noRecord      bool
	jsonLogs      bool
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:   "interview-live",
		Short: "Run an AI-led voice interview",
		Long: `interview-live opens a streaming session to the live service, streams the
microphone, plays the interviewer's voice and keeps the session alive for the
whole interview. Type "next", "prev", "status" or "quit" on stdin.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags, os.Stdin, cmd.OutOrStdout(), os.Stderr)
		},
	}
	cmd.Flags().StringVarP(&flags.interviewPath, "interview", "i", "", "interview plan (YAML)")
	cmd.Flags().StringSliceVar(&flags.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	cmd.Flags().BoolVar(&flags.noRecord, "no-record", false, "disable per-question recording")
	cmd.Flags().BoolVar(&flags.jsonLogs, "json-logs", false, "force JSON logs even on a terminal")
	_ = cmd.MarkFlagRequired("interview")
	return cmd
}

// newLogger writes human-readable logs to terminals and JSON elsewhere.
func newLogger(w io.Writer, level zerolog.Level, forceJSON bool) zerolog.Logger {
	out := w
	if f, ok := w.(*os.File); ok && !forceJSON && term.IsTerminal(int(f.Fd())) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
