package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	consentGranted = "granted"
	consentDenied  = "denied"
)

// ConsentAuthorizer answers camera permission from the device node's access rights and a
// remembered user answer stored in ConsentPath.
type ConsentAuthorizer struct {
	// DevicePath is the camera node. Empty for inputs that are not devices (recorded video).
	DevicePath  string
	ConsentPath string
	// Prompt asks the user. It may block; Request abandons it when ctx ends.
	Prompt func() (bool, error)
}

// Status reports the current decision without asking the user.
func (a *ConsentAuthorizer) Status() AuthDecision {
	if a.DevicePath == "" {
		return Authorized
	}

	if f, err := os.Open(a.DevicePath); err != nil {
		switch {
		case errors.Is(err, syscall.EPERM):
			return Restricted
		case errors.Is(err, fs.ErrPermission):
			return Denied
		}
		// Missing or busy devices are a configuration problem, not a permission one.
	} else {
		f.Close()
	}

	b, err := os.ReadFile(a.ConsentPath)
	if err != nil {
		return NotDetermined
	}
	switch strings.TrimSpace(string(b)) {
	case consentGranted:
		return Authorized
	case consentDenied:
		return Denied
	default:
		return NotDetermined
	}
}

// Request prompts the user and remembers the answer.
func (a *ConsentAuthorizer) Request(ctx context.Context) (bool, error) {
	if a.Prompt == nil {
		return false, errors.New("no permission prompt available")
	}

	type answer struct {
		granted bool
		err     error
	}
	ch := make(chan answer, 1)
	go func() {
		granted, err := a.Prompt()
		ch <- answer{granted, err}
	}()

	var ans answer
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case ans = <-ch:
	}
	if ans.err != nil {
		return false, ans.err
	}

	value := consentDenied
	if ans.granted {
		value = consentGranted
	}
	if a.ConsentPath != "" {
		if err := os.MkdirAll(filepath.Dir(a.ConsentPath), 0o755); err != nil {
			return ans.granted, fmt.Errorf("failed to remember camera consent: %w", err)
		}
		if err := os.WriteFile(a.ConsentPath, []byte(value+"\n"), 0o600); err != nil {
			return ans.granted, fmt.Errorf("failed to remember camera consent: %w", err)
		}
	}
	return ans.granted, nil
}

// StaticAuthorizer always returns the same decision. Request grants when Grant is set.
type StaticAuthorizer struct {
	Decision AuthDecision
	Grant    bool
}

func (a StaticAuthorizer) Status() AuthDecision { return a.Decision }

func (a StaticAuthorizer) Request(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return a.Grant, nil
}
