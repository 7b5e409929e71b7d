package crawler

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures. Every kind degrades the run instead of aborting it.
type ErrorKind string

// Failure categories.
const (
	TransportFailure     ErrorKind = "transport"
	ParseFailure         ErrorKind = "parse"
	TemplateNotFound     ErrorKind = "template_not_found"
	StorageFailure       ErrorKind = "storage"
	AggregationDataError ErrorKind = "aggregation_data"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrTransport       = errors.New("transport failure")
	ErrParse           = errors.New("parse failure")
	ErrTemplateMissing = errors.New("template not found")
	ErrStorage         = errors.New("storage failure")
	ErrAggregationData = errors.New("aggregation data error")
)

var kindSentinels = map[ErrorKind]error{
	TransportFailure:     ErrTransport,
	ParseFailure:         ErrParse,
	TemplateNotFound:     ErrTemplateMissing,
	StorageFailure:       ErrStorage,
	AggregationDataError: ErrAggregationData,
}

// FetchError reports a link that could not be turned into a Record.
type FetchError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel for the error's kind.
func (e *FetchError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// StorageError reports a sink or upload failure.
type StorageError struct {
	Sink string
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Sink, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches ErrStorage.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// DataError reports a bucket file that could not be used.
type DataError struct {
	Path string
	Err  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("bucket %s: %v", e.Path, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// Is matches ErrAggregationData.
func (e *DataError) Is(target error) bool {
	return target == ErrAggregationData
}

// KindOf returns the failure category of err, or "" when it is unclassified.
func KindOf(err error) ErrorKind {
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}
