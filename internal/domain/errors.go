package domain

import "fmt"

// MalformedRecordError describes a raw reading the normalizer dropped.
type MalformedRecordError struct {
	Index     int // position in the fetched batch
	CityName  string
	Country   string
	Timestamp string
	Reason    string
}

func (e MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %d (%s, %s, %q): %s", e.Index, e.CityName, e.Country, e.Timestamp, e.Reason)
}

// JoinIntegrityError is returned when a reading has no city in the dimension
// it is projected against. It means the two inputs came from different
// batches.
type JoinIntegrityError struct {
	Key CityKey
}

func (e *JoinIntegrityError) Error() string {
	return fmt.Sprintf("join integrity: no city for %q in dimension", e.Key.String())
}

// LoadError wraps a store failure during one of the load operations.
type LoadError struct {
	Op  string // "replace_dimension" or "append_facts"
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// FetchError wraps a data source failure.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
