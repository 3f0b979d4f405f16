// Package blob is the document source facade. It re-exports the core
// contract and is the only package that constructs infra blob backends.
package blob

import (
	"labcore/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a document write.
	PutOptions = core.PutOptions
	// Info describes stored document metadata.
	Info = core.Info
	// Store is the interface for document storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory

	// MetaSex is the metadata key holding patient sex (M or F).
	MetaSex = core.MetaSex
	// MetaAge is the metadata key holding patient age in whole years.
	MetaAge = core.MetaAge
)

var (
	// ErrNotFound reports a missing key on every driver.
	ErrNotFound = core.ErrNotFound
	// ErrExists reports a create-only conflict on every driver.
	ErrExists = core.ErrExists
)
