// SPDX-License-Identifier: MIT

// Package discovery locates service endpoints over the bus's pub/sub
// surface: requesters broadcast "who provides X", advertisers answer
// with announcements, and a passive cache fills by snooping responses.
package discovery

import "strings"

// Kind is a well-known service kind.
type Kind string

const (
	// KindAPI is the metadata query API façade.
	KindAPI Kind = "api"
	// KindNode is a per-session node; descriptors carry the session id.
	KindNode Kind = "node"
)

// Descriptor identifies a discoverable service: either a bare kind or
// a kind plus session id.
type Descriptor struct {
	Kind      Kind
	SessionID string
}

// NodeFor returns the descriptor of the node serving a session.
func NodeFor(sessionID string) Descriptor {
	return Descriptor{Kind: KindNode, SessionID: sessionID}
}

// ID is the stable string form used in channel names and cache keys.
func (d Descriptor) ID() string {
	if d.SessionID == "" {
		return string(d.Kind)
	}
	return string(d.Kind) + "." + d.SessionID
}

// RequestChannel is the pub/sub channel a discovery request goes to.
func (d Descriptor) RequestChannel() string {
	return requestPrefix + d.ID()
}

const (
	requestPrefix   = "discover."
	responseChannel = "discover.response"
)

// descriptorFromChannel recovers the descriptor id from a request
// channel name.
func descriptorFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, requestPrefix) || channel == responseChannel {
		return "", false
	}
	return strings.TrimPrefix(channel, requestPrefix), true
}
