package main

import (
	"encoding/json"
	stderrors "errors"
	"io"

	"github.com/kimhsiao/fieldsync/internal/errors"
)

// Exit codes for CLI commands.
const (
	exitFailure      = 1 // Operation failed (sync error, item not found, ...)
	exitCommandError = 2 // Bad configuration or unusable data directory
)

func exitCode(err error) int {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		switch appErr.Code {
		case errors.ErrInvalidConfig, errors.ErrDatabase, errors.ErrMigration:
			return exitCommandError
		}
	}
	return exitFailure
}

// cliResponse is the JSON envelope written with --format json.
type cliResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// formatter writes command results as text or JSON.
type formatter struct {
	format string
	w      io.Writer
}

// success writes data. In text mode text is called to render it.
func (f *formatter) success(data interface{}, text func(w io.Writer)) error {
	if f.format == "json" {
		return json.NewEncoder(f.w).Encode(cliResponse{Status: "ok", Data: data})
	}
	text(f.w)
	return nil
}
