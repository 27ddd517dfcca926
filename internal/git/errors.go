package git

import (
	"errors"
	"fmt"
)

// ErrHistoryTooShort is returned when fewer commits exist than requested.
var ErrHistoryTooShort = errors.New("commit history too short")

// HistoryError reports a failure to walk commit history, typically a shallow
// clone without enough depth.
type HistoryError struct {
	Op   string
	Path string
	Err  error
}

func (e *HistoryError) Error() string { return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err) }
func (e *HistoryError) Unwrap() error { return e.Err }
