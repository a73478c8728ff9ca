// SPDX-License-Identifier: MIT

// Package gerr carries error causes across service boundaries. Errors
// never travel between services directly; they are flattened into a
// plain list of cause strings and embedded in lifecycle events.
package gerr

import (
	"errors"
	"strings"
)

// Chain is a flat list of error causes. The first entry is the root
// message, subsequent entries are the causes it wraps. Chains are the
// only error representation that crosses the wire.
type Chain []string

// New builds a single-element chain from a message.
func New(message string) Chain {
	return Chain{message}
}

// FromError flattens err into a chain by unwrapping its cause list.
// A nil error yields an empty chain. Wrapping an error that itself
// carries a chain appends the nested causes instead of nesting them.
func FromError(err error) Chain {
	if err == nil {
		return nil
	}
	var out Chain
	for err != nil {
		var nested chainError
		if errors.As(err, &nested) {
			out = append(out, nested.chain...)
			break
		}
		out = append(out, topMessage(err))
		err = errors.Unwrap(err)
	}
	return out
}

// Wrap prepends a message to the chain derived from err.
func Wrap(message string, err error) Chain {
	return append(Chain{message}, FromError(err)...)
}

// Flatten collapses nested chains; flattening an already-flat chain is
// a no-op.
func (c Chain) Flatten() Chain {
	if len(c) == 0 {
		return c
	}
	out := make(Chain, 0, len(c))
	out = append(out, c...)
	return out
}

// Err converts the chain back into an error, or nil for an empty chain.
func (c Chain) Err() error {
	if len(c) == 0 {
		return nil
	}
	return chainError{chain: c}
}

// Root returns the root message, or "" for an empty chain.
func (c Chain) Root() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// Stacktrace renders the chain newline-joined, root first. This is the
// form surfaced in WebDriver error responses.
func (c Chain) Stacktrace() string {
	return strings.Join(c, "\n")
}

type chainError struct {
	chain Chain
}

func (e chainError) Error() string {
	return strings.Join(e.chain, ": ")
}

// topMessage strips the wrapped suffix from err's message so each chain
// entry holds a single cause.
func topMessage(err error) string {
	msg := err.Error()
	if inner := errors.Unwrap(err); inner != nil {
		msg = strings.TrimSuffix(msg, inner.Error())
		msg = strings.TrimSuffix(msg, ": ")
	}
	if msg == "" {
		msg = err.Error()
	}
	return msg
}
