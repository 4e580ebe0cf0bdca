package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned by Create for missing required fields
	ErrInvalidArgument = errors.New("invalid work description argument")

	// ErrEmptyWorkDescription is returned by Load when no record exists
	ErrEmptyWorkDescription = errors.New("no work description found")

	// ErrVersionConflict is the backend-level signal that a conditional
	// write lost the race. Publish translates it to *OutOfDateVersionError.
	ErrVersionConflict = errors.New("stored version changed since read")
)

// OutOfDateVersionError is returned by Publish when the caller's local
// version lost against the stored record. The caller must reload and
// reapply, or accept the conflict as terminal.
type OutOfDateVersionError struct {
	MessageKey    string
	StoredVersion int
	LocalVersion  int
}

func (e *OutOfDateVersionError) Error() string {
	return fmt.Sprintf("work description %s is out of date: stored version %d, local version %d",
		e.MessageKey, e.StoredVersion, e.LocalVersion)
}

// Backend is the versioned key-value persistence a Store runs on. Put is a
// conditional write: it must only land when the stored version still equals
// expectedVersion (0 meaning no record may exist), returning
// ErrVersionConflict otherwise.
type Backend interface {
	Get(ctx context.Context, key string) (*WorkDescription, error)
	Put(ctx context.Context, wd *WorkDescription, expectedVersion int) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Store provides the work description lifecycle operations over a Backend.
type Store struct {
	backend Backend
}

// New creates a Store over the given backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Load fetches a work description by key.
func (s *Store) Load(ctx context.Context, key string) (*WorkDescription, error) {
	wd, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading work description %s: %w", key, err)
	}
	if wd == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmptyWorkDescription, key)
	}
	return wd, nil
}

// Publish writes the work description using the optimistic-version protocol
// and returns the previous stored value, nil when this is the first write.
//
// The version check is a compare-and-swap: the write is conditional on the
// stored version still being the one observed here, so racing writers that
// read the same version cannot both land.
func (s *Store) Publish(ctx context.Context, wd *WorkDescription) (*WorkDescription, error) {
	current, err := s.backend.Get(ctx, wd.MessageKey)
	if err != nil {
		return nil, fmt.Errorf("reading current work description %s: %w", wd.MessageKey, err)
	}

	if current == nil {
		if err := s.backend.Put(ctx, wd, 0); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return nil, &OutOfDateVersionError{MessageKey: wd.MessageKey, LocalVersion: wd.Version}
			}
			return nil, fmt.Errorf("writing work description %s: %w", wd.MessageKey, err)
		}
		return nil, nil
	}

	if current.Version != wd.Version {
		return nil, &OutOfDateVersionError{
			MessageKey:    wd.MessageKey,
			StoredVersion: current.Version,
			LocalVersion:  wd.Version,
		}
	}

	wd.Version++
	wd.LastModifiedAt = nowTimestamp()

	if err := s.backend.Put(ctx, wd, current.Version); err != nil {
		wd.Version--
		if errors.Is(err, ErrVersionConflict) {
			return nil, &OutOfDateVersionError{
				MessageKey:    wd.MessageKey,
				StoredVersion: current.Version + 1,
				LocalVersion:  wd.Version,
			}
		}
		return nil, fmt.Errorf("writing work description %s: %w", wd.MessageKey, err)
	}

	return current, nil
}

// SetOutboundStatus updates the outbound status and publishes.
func (s *Store) SetOutboundStatus(ctx context.Context, wd *WorkDescription, status OutboundStatus) error {
	wd.OutboundStatus = status
	_, err := s.Publish(ctx, wd)
	return err
}

// SetInboundStatus updates the inbound status and publishes.
func (s *Store) SetInboundStatus(ctx context.Context, wd *WorkDescription, status InboundStatus) error {
	wd.InboundStatus = status
	_, err := s.Publish(ctx, wd)
	return err
}

// UpdateWithRetries applies the setter and publishes, reloading and
// reapplying on a version conflict, up to maxRetries+1 attempts in total.
// The conflict error is re-raised when attempts are exhausted.
func (s *Store) UpdateWithRetries(ctx context.Context, wd *WorkDescription, setter func(*WorkDescription), maxRetries int) error {
	current := wd
	for attempt := 0; ; attempt++ {
		setter(current)
		_, err := s.Publish(ctx, current)
		if err == nil {
			if current != wd {
				*wd = *current
			}
			return nil
		}

		var conflict *OutOfDateVersionError
		if !errors.As(err, &conflict) || attempt >= maxRetries {
			return err
		}

		reloaded, loadErr := s.Load(ctx, wd.MessageKey)
		if loadErr != nil {
			return fmt.Errorf("reloading after version conflict: %w", loadErr)
		}
		current = reloaded
	}
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases backend resources.
func (s *Store) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}
