// Package vfserr defines the error taxonomy the virtual filesystem
// engine surfaces to its caller. Every error a component returns wraps
// one of the sentinels below so callers can use errors.Is instead of
// matching strings.
package vfserr

import "errors"

// Sentinel errors corresponding to the protocol status codes the core
// maps its failures onto. The protocol layer (out of scope here) is
// responsible for translating these into wire status codes.
var (
	// ErrNotExist means an unknown path or fileid was referenced.
	ErrNotExist = errors.New("vfserr: no such file or directory")

	// ErrExist means a create collided with an existing name.
	ErrExist = errors.New("vfserr: already exists")

	// ErrNotEmpty means remove was attempted on a non-empty directory.
	ErrNotEmpty = errors.New("vfserr: directory not empty")

	// ErrReadOnly means a mutator was attempted on a read-only engine.
	ErrReadOnly = errors.New("vfserr: read-only filesystem")

	// ErrInvalid means malformed input: empty name, empty symlink
	// target, or an unrecognized entry type.
	ErrInvalid = errors.New("vfserr: invalid argument")

	// ErrIO covers datastore failures, parse failures, and schema
	// violations. Every error not otherwise classified is wrapped as
	// ErrIO.
	ErrIO = errors.New("vfserr: I/O error")
)

// Code is the small status-code alphabet the protocol layer consumes.
type Code int

const (
	CodeOK Code = iota
	CodeNotExist
	CodeExist
	CodeNotEmpty
	CodeReadOnly
	CodeInvalid
	CodeIO
)

// ClassifyCode maps an error produced by this module to its Code,
// defaulting to CodeIO for anything unrecognized (spec.md §7: "Everything
// else the protocol might produce is wrapped as IO").
func ClassifyCode(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrNotExist):
		return CodeNotExist
	case errors.Is(err, ErrExist):
		return CodeExist
	case errors.Is(err, ErrNotEmpty):
		return CodeNotEmpty
	case errors.Is(err, ErrReadOnly):
		return CodeReadOnly
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	default:
		return CodeIO
	}
}
