// Package formats defines the contract between the dataset and the raw
// instrument readers, plus the registry that maps format names to readers.
package formats

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"spectroscopy/pkg/domain"
)

// Plugin parses one raw instrument format into records. Implementations must
// be safe for concurrent use and must not touch storage.
type Plugin interface {
	Format() string
	Read(ctx context.Context, src Source, opts Options) (Import, error)
}

// Source is a raw input. Data wins over Path when both are set; Path is kept
// for error messages.
type Source struct {
	Path string
	Data []byte
}

// Load returns the source bytes, reading Path when Data is nil.
func (s Source) Load() ([]byte, error) {
	if s.Data != nil {
		return s.Data, nil
	}
	if s.Path == "" {
		return nil, fmt.Errorf("source has neither data nor path")
	}
	return os.ReadFile(s.Path)
}

// Options carries reader settings such as timeshift or bearing. Keys are
// case-sensitive.
type Options map[string]string

// String returns the raw option value.
func (o Options) String(key string) (string, bool) {
	v, ok := o[key]
	return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
}

// Float parses a numeric option. A missing key is not an error.
func (o Options) Float(key string) (float64, bool, error) {
	v, ok := o.String(key)
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("option %s: %w", key, err)
	}
	return f, true, nil
}

// Int parses an integer option. A missing key is not an error.
func (o Options) Int(key string) (int, bool, error) {
	v, ok := o.String(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("option %s: %w", key, err)
	}
	return n, true, nil
}

// OptTimeshift is the hours an instrument clock runs ahead of UTC. Readers
// subtract it from every recorded time.
const OptTimeshift = "timeshift"

// Timeshift returns the timeshift option as a duration.
func (o Options) Timeshift() (time.Duration, error) {
	h, _, err := o.Float(OptTimeshift)
	if err != nil {
		return 0, err
	}
	return time.Duration(h * float64(time.Hour)), nil
}

// Record is one entity produced by a plugin. Ref is a handle local to the
// import; Links name other records of the same import by Ref, or existing
// entities by id.
type Record struct {
	Ref     string
	Type    domain.EntityType
	Fields  domain.Fields
	Links   map[domain.EdgeType][]string
	Primary bool
}

// Import is the parsed content of one source. Records are written in order.
type Import struct {
	Records []Record
}

// Add appends a record and returns its ref.
func (im *Import) Add(r Record) string {
	if r.Ref == "" {
		r.Ref = fmt.Sprintf("%s#%d", r.Type, len(im.Records))
	}
	im.Records = append(im.Records, r)
	return r.Ref
}

// Primary returns the primary records in order.
func (im Import) Primary() []Record {
	var out []Record
	for _, r := range im.Records {
		if r.Primary {
			out = append(out, r)
		}
	}
	return out
}

// ParseError is the error plugins return for malformed input.
type ParseError = domain.ParseError

// Errorf builds a ParseError for format at path and line (zero when the
// failure is not tied to a line).
func Errorf(format, path string, line int, msg string, args ...any) error {
	return &ParseError{Format: format, Path: path, Line: line, Err: fmt.Errorf(msg, args...)}
}
