// Package origin records where and when a cache entry was produced.
//
// Origin metadata travels inside every archive as a trailing record.
// It is informational: restoring outputs never depends on it.
package origin

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/pkg/errors"
)

// Metadata describes the build that produced a cache entry.
type Metadata struct {
	BuildInvocationID string    `json:"buildInvocationId"`
	Identity          string    `json:"identity"`
	Type              string    `json:"type"`
	ToolVersion       string    `json:"toolVersion"`
	CreationTime      time.Time `json:"creationTime"`
	// ExecutionMillis is how long producing the outputs took.
	ExecutionMillis int64  `json:"executionTime"`
	OperatingSystem string `json:"operatingSystem"`
	HostName        string `json:"hostName"`
	UserName        string `json:"userName"`
}

// ExecutionTime returns how long producing the outputs took.
func (m *Metadata) ExecutionTime() time.Duration {
	return time.Duration(m.ExecutionMillis) * time.Millisecond
}

// ParseError is returned when origin metadata cannot be decoded.
type ParseError struct {
	Resource string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse origin metadata of %s: %v", e.Resource, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Factory creates origin metadata writers and readers for one build invocation.
type Factory struct {
	BuildInvocationID string
	ToolVersion       string
	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time

	// Host details; filled in from the environment by NewFactory.
	OperatingSystem string
	HostName        string
	UserName        string
}

// NewFactory returns a Factory with the host details of the running process.
func NewFactory(buildInvocationID, toolVersion string) *Factory {
	f := &Factory{
		BuildInvocationID: buildInvocationID,
		ToolVersion:       toolVersion,
		OperatingSystem:   runtime.GOOS,
	}
	if host, err := os.Hostname(); err == nil {
		f.HostName = host
	}
	if u, err := user.Current(); err == nil {
		f.UserName = u.Username
	}
	return f
}

// CreateWriter returns a function that writes the metadata of the entry
// produced for identity.
func (f *Factory) CreateWriter(identity, typ string, executionTime time.Duration) func(io.Writer) error {
	return func(w io.Writer) error {
		now := time.Now
		if f.Now != nil {
			now = f.Now
		}
		m := &Metadata{
			BuildInvocationID: f.BuildInvocationID,
			Identity:          identity,
			Type:              typ,
			ToolVersion:       f.ToolVersion,
			CreationTime:      now().UTC(),
			ExecutionMillis:   executionTime.Milliseconds(),
			OperatingSystem:   f.OperatingSystem,
			HostName:          f.HostName,
			UserName:          f.UserName,
		}
		if err := jsonv2.MarshalWrite(w, m, jsonv2.Deterministic(true), jsontext.Multiline(true)); err != nil {
			return errors.Wrap(err, "write origin metadata")
		}
		return nil
	}
}

// CreateReader returns a function that reads metadata written by CreateWriter.
// Malformed input yields a [*ParseError]; I/O failures are returned as they are.
func (f *Factory) CreateReader(resource string) func(io.Reader) (*Metadata, error) {
	return func(r io.Reader) (*Metadata, error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, "read origin metadata")
		}
		m := new(Metadata)
		if err := jsonv2.Unmarshal(data, m, jsonv2.RejectUnknownMembers(false)); err != nil {
			return nil, errors.WithStack(&ParseError{Resource: resource, Err: err})
		}
		if m.BuildInvocationID == "" {
			return nil, errors.WithStack(&ParseError{Resource: resource, Err: errors.New("missing build invocation ID")})
		}
		return m, nil
	}
}
