// Copyright (c) 2026 Tiltfactory, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package cluster holds the membership model of the mesh: the immutable
// server descriptor, the in-memory registry of known members, and the
// notifier that fans membership changes out to the embedding application.
package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Server identifies one cluster member. Servers are value types: an update
// to a member is modeled as removal of the old value and insertion of a new
// one, never as in-place mutation.
type Server struct {
	// ID is globally unique within the directory and immutable for the
	// descriptor's lifetime.
	ID string `json:"id"`

	// Kind is the logical server type, for example "room" or "connector".
	Kind string `json:"kind"`

	// Metadata is an opaque text blob interpreted only by the application.
	Metadata string `json:"metadata"`

	// Hostname of the machine running the server.
	Hostname string `json:"hostname"`

	// Frontend reports whether this server accepts external client
	// connections.
	Frontend bool `json:"frontend"`
}

// Validate returns an error if the descriptor cannot identify a member.
func (s Server) Validate() error {
	if s.ID == "" {
		return errors.New("server id is required")
	}
	if s.Kind == "" {
		return errors.New("server kind is required")
	}
	return nil
}

func (s Server) String() string {
	return fmt.Sprintf("%s/%s", s.Kind, s.ID)
}

// MarshalServer encodes the descriptor into the JSON form stored in the
// service directory.
func MarshalServer(s Server) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalServer decodes a directory value into a descriptor.
func UnmarshalServer(data []byte) (Server, error) {
	var s Server
	if err := json.Unmarshal(data, &s); err != nil {
		return Server{}, fmt.Errorf("malformed server descriptor: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Server{}, err
	}
	return s, nil
}
