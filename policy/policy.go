// Package policy implements connection policies: how an output port feeds an
// input port (plain data sample or buffer, locking strategy, push or pull).
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/chhtz/tools-orocosrb/errors"
)

// Transport selects the storage used on the reading side of a connection
type Transport string

// Transport kinds
const (
	TransportData   Transport = "data"
	TransportBuffer Transport = "buffer"
)

// Lock selects the synchronization used by the connection storage
type Lock string

// Lock kinds
const (
	LockFree     Lock = "lock_free"
	LockLocked   Lock = "locked"
	LockUnsynced Lock = "unsync"
)

// Policy is a possibly partial connection policy. Nil pointers and empty
// strings mean "not specified".
type Policy struct {
	Transport Transport `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=data buffer"`
	Lock      Lock      `json:"lock,omitempty" yaml:"lock,omitempty" validate:"omitempty,oneof=lock_free locked unsync"`
	Size      *int      `json:"size,omitempty" yaml:"size,omitempty"`
	Pull      *bool     `json:"pull,omitempty" yaml:"pull,omitempty"`
	Init      *bool     `json:"init,omitempty" yaml:"init,omitempty"`
}

// Resolved is a policy where every field has a concrete value
type Resolved struct {
	Transport Transport `json:"type"`
	Lock      Lock      `json:"lock"`
	Size      int       `json:"size"`
	Pull      bool      `json:"pull"`
	Init      bool      `json:"init"`
}

// Data returns a policy asking for a data connection
func Data() Policy {
	return Policy{Transport: TransportData}
}

// Buffer returns a policy asking for a buffer of the given depth
func Buffer(size int) Policy {
	return Policy{Transport: TransportBuffer, Size: &size}
}

// WithPull returns a copy of p with the pull flag set
func (p Policy) WithPull(pull bool) Policy {
	p.Pull = &pull
	return p
}

// WithInit returns a copy of p with the init flag set
func (p Policy) WithInit(v bool) Policy {
	p.Init = &v
	return p
}

// WithLock returns a copy of p with the lock type set
func (p Policy) WithLock(lock Lock) Policy {
	p.Lock = lock
	return p
}

// IsZero reports whether nothing at all is specified
func (p Policy) IsZero() bool {
	return p.Transport == "" && p.Lock == "" && p.Size == nil && p.Pull == nil && p.Init == nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Resolve turns a partial policy into a concrete one.
//
// Unset transport defaults to data, and a data connection always has size 1.
// A buffer has no safe default depth, so a buffer without a size is rejected.
// Unset lock defaults to lock_free, unset pull and init to false.
func Resolve(p Policy) (Resolved, error) {
	if err := structValidator().Struct(p); err != nil {
		return Resolved{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrPolicy, err),
			"policy", "Resolve", "field validation")
	}

	r := Resolved{
		Transport: p.Transport,
		Lock:      p.Lock,
	}
	if r.Transport == "" {
		r.Transport = TransportData
	}
	if r.Lock == "" {
		r.Lock = LockFree
	}
	if p.Pull != nil {
		r.Pull = *p.Pull
	}
	if p.Init != nil {
		r.Init = *p.Init
	}

	switch r.Transport {
	case TransportData:
		if p.Size != nil && *p.Size != 1 {
			return Resolved{}, errors.WrapInvalid(
				fmt.Errorf("%w: data connections hold exactly one sample, got size %d", errors.ErrPolicy, *p.Size),
				"policy", "Resolve", "size check")
		}
		r.Size = 1
	case TransportBuffer:
		if p.Size == nil {
			return Resolved{}, errors.WrapInvalid(
				fmt.Errorf("%w: buffer connections require an explicit size", errors.ErrPolicy),
				"policy", "Resolve", "size check")
		}
		if *p.Size <= 0 {
			return Resolved{}, errors.WrapInvalid(
				fmt.Errorf("%w: buffer size must be positive, got %d", errors.ErrPolicy, *p.Size),
				"policy", "Resolve", "size check")
		}
		r.Size = *p.Size
	}

	return r, nil
}

// Merge combines partial policies. For every field the first layer that sets
// it wins, so callers pass layers by decreasing precedence.
func Merge(layers ...Policy) Policy {
	var out Policy
	for _, l := range layers {
		if out.Transport == "" {
			out.Transport = l.Transport
		}
		if out.Lock == "" {
			out.Lock = l.Lock
		}
		if out.Size == nil && l.Size != nil {
			size := *l.Size
			out.Size = &size
		}
		if out.Pull == nil && l.Pull != nil {
			pull := *l.Pull
			out.Pull = &pull
		}
		if out.Init == nil && l.Init != nil {
			v := *l.Init
			out.Init = &v
		}
	}
	return out
}

// Negotiate merges the preferences of the two ports of a connection. A
// field set by both sides to different values is a conflict.
func Negotiate(out, in Policy) (Policy, error) {
	conflict := func(field string, a, b any) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: ports disagree on %s (%v vs %v)", errors.ErrPolicy, field, a, b),
			"policy", "Negotiate", "preference merge")
	}
	if out.Transport != "" && in.Transport != "" && out.Transport != in.Transport {
		return Policy{}, conflict("transport", out.Transport, in.Transport)
	}
	if out.Lock != "" && in.Lock != "" && out.Lock != in.Lock {
		return Policy{}, conflict("lock", out.Lock, in.Lock)
	}
	if out.Size != nil && in.Size != nil && *out.Size != *in.Size {
		return Policy{}, conflict("size", *out.Size, *in.Size)
	}
	if out.Pull != nil && in.Pull != nil && *out.Pull != *in.Pull {
		return Policy{}, conflict("pull", *out.Pull, *in.Pull)
	}
	if out.Init != nil && in.Init != nil && *out.Init != *in.Init {
		return Policy{}, conflict("init", *out.Init, *in.Init)
	}
	return Merge(in, out), nil
}

// Equal reports whether two resolved policies describe the same connection
func (r Resolved) Equal(o Resolved) bool {
	return r == o
}

// Policy returns the fully specified partial policy equivalent to r
func (r Resolved) Policy() Policy {
	size, pull, initial := r.Size, r.Pull, r.Init
	return Policy{Transport: r.Transport, Lock: r.Lock, Size: &size, Pull: &pull, Init: &initial}
}

// String renders r in the form accepted by Parse
func (r Resolved) String() string {
	var b strings.Builder
	b.WriteString(string(r.Transport))
	if r.Transport == TransportBuffer {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(r.Size))
	}
	b.WriteString(":")
	b.WriteString(string(r.Lock))
	if r.Pull {
		b.WriteString(":pull")
	}
	if r.Init {
		b.WriteString(":init")
	}
	return b.String()
}

// Parse reads a policy from its compact text form, for instance "data",
// "buffer:20" or "buffer:20:locked:pull". The first token is the transport,
// the others may appear in any order.
func Parse(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Policy{}, nil
	}

	tokens := strings.Split(s, ":")
	p := Policy{Transport: Transport(tokens[0])}
	for _, tok := range tokens[1:] {
		switch tok {
		case "pull":
			p = p.WithPull(true)
		case "init":
			p = p.WithInit(true)
		case string(LockFree), string(LockLocked), string(LockUnsynced):
			p.Lock = Lock(tok)
		default:
			size, err := strconv.Atoi(tok)
			if err != nil {
				return Policy{}, errors.WrapInvalid(
					fmt.Errorf("%w: unknown policy token %q", errors.ErrPolicy, tok),
					"policy", "Parse", "token parsing")
			}
			p.Size = &size
		}
	}

	if err := structValidator().Struct(p); err != nil {
		return Policy{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrPolicy, err),
			"policy", "Parse", "field validation")
	}
	return p, nil
}
