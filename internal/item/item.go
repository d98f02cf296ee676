// Package item defines the unit of monitoring: a key, an interval, an input
// to acquire raw output from, and a digest that turns that output into
// metrics. Inputs and digests are closed sets; every switch over them lists
// all variants and panics on anything else.
package item

import (
	"fmt"
	"regexp"
	"time"

	"github.com/anti-koerper/antikoerper/internal/models"
)

// Item is one configured monitoring target. Items are built once from
// configuration and never mutated.
type Item struct {
	Key      string
	Interval time.Duration
	// Timeout bounds a single collection. Zero means the collector default.
	Timeout time.Duration
	// Env is merged over the inherited environment for Shell and Command inputs.
	Env    map[string]string
	Input  Input
	Digest Digest
}

// Input is one of File, Shell or Command.
type Input interface {
	isInput()
	// Kind returns the configuration tag of the input.
	Kind() string
}

// File reads the entire file at Path.
type File struct {
	Path string
}

// Shell runs Script through the configured shell with "-c".
type Shell struct {
	Script string
}

// Command runs the program at Path directly with Args.
type Command struct {
	Path string
	Args []string
}

func (File) isInput()    {}
func (Shell) isInput()   {}
func (Command) isInput() {}

func (File) Kind() string    { return "file" }
func (Shell) Kind() string   { return "shell" }
func (Command) Kind() string { return "command" }

// Digest is one of Raw, Regex or MonitoringPlugin.
type Digest interface {
	isDigest()
	// Kind returns the configuration tag of the digest.
	Kind() string
}

// Raw parses the whole trimmed output as a single number.
type Raw struct{}

// Regex extracts one metric per named capture group of Pattern.
type Regex struct {
	Pattern *regexp.Regexp
}

// MonitoringPlugin parses Nagios plugin style performance data.
type MonitoringPlugin struct{}

func (Raw) isDigest()              {}
func (Regex) isDigest()            {}
func (MonitoringPlugin) isDigest() {}

func (Raw) Kind() string              { return "none" }
func (Regex) Kind() string            { return "regex" }
func (MonitoringPlugin) Kind() string { return "monitoring-plugin" }

// NewRegex compiles pattern into a Regex digest. A pattern that does not
// compile, has no named capture groups, or names a group after the raw
// output suffix is a DigestError.
func NewRegex(itemKey, pattern string) (Regex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Regex{}, &DigestError{Item: itemKey, Err: err}
	}
	named := 0
	for _, name := range re.SubexpNames() {
		if name == models.SuffixRaw {
			return Regex{}, &DigestError{Item: itemKey, Err: fmt.Errorf("capture group name %q is reserved for the raw output", name)}
		}
		if name != "" {
			named++
		}
	}
	if named == 0 {
		return Regex{}, &DigestError{Item: itemKey, Err: fmt.Errorf("pattern %q has no named capture groups", pattern)}
	}
	return Regex{Pattern: re}, nil
}

// DigestError reports a digest configuration that cannot be used. It is
// raised while loading configuration, never during a tick.
type DigestError struct {
	Item string
	Err  error
}

func (e *DigestError) Error() string {
	return fmt.Sprintf("item %s: invalid digest: %v", e.Item, e.Err)
}

func (e *DigestError) Unwrap() error { return e.Err }
