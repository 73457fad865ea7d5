package muster

import "github.com/driftlock/muster/id"

// ID is the primary identifier type for all Muster entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
