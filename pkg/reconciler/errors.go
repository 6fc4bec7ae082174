package reconciler

import (
	"errors"
	"fmt"

	"github.com/cuemby/netident/pkg/lock"
	"github.com/cuemby/netident/pkg/probe"
	"github.com/cuemby/netident/pkg/proxyconf"
	"github.com/cuemby/netident/pkg/reload"
	"github.com/cuemby/netident/pkg/security"
	"github.com/cuemby/netident/pkg/storage"
	"github.com/cuemby/netident/pkg/types"
)

// StoreError is returned when the identity store cannot be read or written
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("identity store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Kind classifies err for reporting and exit codes
func Kind(err error) types.ErrorKind {
	if err == nil {
		return types.ErrorKindNone
	}

	var (
		issuance *security.IssuanceError
		render   *proxyconf.RenderError
		store    *StoreError
		warning  *reload.Warning
	)

	switch {
	case errors.Is(err, probe.ErrNoAddressFound):
		return types.ErrorKindNoAddress
	case errors.As(err, &issuance):
		return types.ErrorKindIssuance
	case errors.As(err, &render):
		return types.ErrorKindRender
	case errors.As(err, &store), errors.Is(err, storage.ErrLocked), errors.Is(err, lock.ErrHeld):
		return types.ErrorKindStore
	case errors.As(err, &warning):
		return types.ErrorKindReloadWarning
	default:
		return types.ErrorKindOther
	}
}
