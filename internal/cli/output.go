package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"nostr-groups/internal/nip29"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the relay refused or nothing arrived in time
	ExitCommandError = 2 // bad arguments, config or keystore
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command result.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success outputs a result. Text output prints data with %v.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

func (f *OutputFormatter) Error(code, message string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message},
		})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}

// Note prints one note: a JSON object per line, or a human line.
func (f *OutputFormatter) Note(n nip29.Note) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(n)
	}
	line := fmt.Sprintf("%s %s %s", n.Timestamp.Time().UTC().Format(time.RFC3339), short(n.Pubkey), n.Content)
	if n.IsReply() {
		line += " (re " + short(n.ParentID) + ")"
	}
	_, err := fmt.Fprintln(f.Writer, line)
	return err
}

func (f *OutputFormatter) Metadata(groupID string, md nip29.Metadata) error {
	if f.Format == "json" {
		return f.Success(struct {
			GroupID string `json:"groupId"`
			nip29.Metadata
		}{groupID, md})
	}
	fmt.Fprintf(f.Writer, "group:   %s\n", groupID)
	fmt.Fprintf(f.Writer, "name:    %s\n", md.Name)
	if md.About != "" {
		fmt.Fprintf(f.Writer, "about:   %s\n", md.About)
	}
	if md.Picture != "" {
		fmt.Fprintf(f.Writer, "picture: %s\n", md.Picture)
	}
	_, err := fmt.Fprintf(f.Writer, "public:  %t\nopen:    %t\n", md.IsPublic, md.IsOpen)
	return err
}

// VerboseLog writes to ErrWriter only in verbose mode.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

func short(hex string) string {
	if len(hex) > 8 {
		return hex[:8]
	}
	return hex
}
