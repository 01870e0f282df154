package service

import (
	"errors"
	"fmt"

	"github.com/marketdesk/refresher/internal/model"
)

var (
	ErrBusy          = errors.New("a refresh is already running")
	ErrNoActiveRun   = errors.New("no active run")
	ErrNoModules     = errors.New("no modules configured")
	ErrUnknownModule = model.ErrUnknownModule
)

// BusyError is returned by TryStart while another Run holds the lock. It
// identifies what the active Run is doing.
type BusyError struct {
	RunID      string
	Module     string
	ModuleName string
	Step       string
}

func (e *BusyError) Error() string {
	if e.Module == "" {
		return ErrBusy.Error()
	}
	return fmt.Sprintf("%s: module %s", ErrBusy, e.Module)
}

func (e *BusyError) Unwrap() error {
	return ErrBusy
}
