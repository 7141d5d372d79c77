package mount

import "errors"

// Failure taxonomy of the mount layer. Callers classify with
// errors.Is; messages carry the concrete paths involved. Unknown
// backend kinds surface as backend.ErrUnknownKind and unparsable
// statements as query.ErrInvalidQuery, both wrapped with mount
// context.
var (
	// ErrPathNotFound reports a path no mount covers, or a path the
	// covering backend does not have.
	ErrPathNotFound = errors.New("path not found")

	// ErrMountExists reports an attempt to mount over an occupied path.
	ErrMountExists = errors.New("mount already exists")

	// ErrInvalidMount reports a mount declaration whose shape does not
	// fit: malformed configs, views on directory paths, backends on
	// file paths.
	ErrInvalidMount = errors.New("invalid mount declaration")

	// ErrMountNotFound reports an unmount of a path nothing is
	// mounted at.
	ErrMountNotFound = errors.New("no mount at path")

	// ErrBackendConnect reports a backend that failed to open while
	// mounting. The mount table is unchanged when it is returned.
	ErrBackendConnect = errors.New("backend connect failed")

	// ErrReadOnly reports a mutation aimed at a view or at a backend
	// that refuses writes.
	ErrReadOnly = errors.New("mount is read-only")

	// ErrCrossMount reports an operation whose endpoints resolve to
	// different mounts, or one that would relocate a mount point.
	ErrCrossMount = errors.New("operation crosses mount boundaries")

	// ErrViewCycle reports view expansion that reached a view already
	// being expanded.
	ErrViewCycle = errors.New("view expansion cycle")

	// ErrBackendUnavailable reports an operation that raced an
	// unmount and found its backend already released.
	ErrBackendUnavailable = errors.New("backend unavailable")
)
