package dohgw

import (
	"fmt"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// QueryTimeoutError is returned when a query against an upstream group times out.
type QueryTimeoutError struct {
	query *dns.Msg
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query for '%s' timed out", qName(e.query))
}

// ConfigError wraps a failure encountered while loading or validating the
// gateway's configuration file, with pkg/errors context attached so the
// originating line is preserved through the wrap.
type ConfigError struct {
	Section string
	err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Section, e.err)
}

func (e *ConfigError) Unwrap() error { return e.err }

// Cause lets github.com/pkg/errors.Cause walk past a ConfigError.
func (e *ConfigError) Cause() error { return e.err }

// wrapConfig annotates err with the section of config it came from.
func wrapConfig(section string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Section: section, err: errors.WithStack(err)}
}

// Cause unwraps a ConfigError chain to the innermost error, mirroring
// errors.Cause from github.com/pkg/errors for callers that only have a
// *ConfigError in hand.
func Cause(err error) error {
	return errors.Cause(err)
}
