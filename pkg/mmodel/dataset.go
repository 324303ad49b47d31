package mmodel

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Dataset is a named, org-scoped logical data product (§3).
type Dataset struct {
	DatasetUUID  uuid.UUID `json:"dataset_uuid"`
	OrgID        uuid.UUID `json:"org_id"`
	Name         string    `json:"name"`
	DagName      string    `json:"dag_name"`
	JobName      string    `json:"job_name"`
	OutputIndex  int       `json:"output_index"`
	MultiWriter  bool      `json:"multi_writer"`
	CreatedAt    time.Time `json:"created_at"`
}

// DatasetVersion is one materialization generation of a Dataset (§3).
type DatasetVersion struct {
	DatasetUUID    uuid.UUID `json:"dataset_uuid"`
	DatasetVersion int64     `json:"dataset_version"`
	StorageRef     string    `json:"storage_ref"`
	SchemaHash     string    `json:"schema_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PointerSetEntry maps one dataset to its resolved version under a given
// DAG version; the row-level unit of atomic cutover (§4.9 step 7).
type PointerSetEntry struct {
	DagVersionID   uuid.UUID `json:"dag_version_id"`
	DatasetUUID    uuid.UUID `json:"dataset_uuid"`
	DatasetVersion int64     `json:"dataset_version"`
}

// CursorLedger tracks per-(dataset, version) read progress for linear
// streams, advanced as part of the commit transaction (§3, §4.5 step 1).
type CursorLedger struct {
	DatasetUUID    uuid.UUID `json:"dataset_uuid"`
	DatasetVersion int64     `json:"dataset_version"`
	Cursor         int64     `json:"cursor"`
}

// PartitionKey is a canonical half-open range [Start, End), per the
// Open Question in §9 resolved toward a single convention.
type PartitionKey struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// String renders the partition key in its canonical textual form.
func (p PartitionKey) String() string {
	return p.Start + "-" + p.End
}

// IsEmpty reports whether p carries no range.
func (p PartitionKey) IsEmpty() bool {
	return p.Start == "" && p.End == ""
}

// Validate resolves the §9 open question in favor of a single strict
// convention: a non-empty partition key's End must sort strictly after
// Start, so every partition is an unambiguous half-open [Start, End)
// range. A caller that means "no partition" should use the zero value,
// not a key with Start == End.
func (p PartitionKey) Validate() error {
	if p.IsEmpty() {
		return nil
	}

	if p.Start == "" || p.End == "" {
		return fmt.Errorf("partition key must set both start and end, or neither")
	}

	if p.End <= p.Start {
		return fmt.Errorf("partition key end %q must sort after start %q", p.End, p.Start)
	}

	return nil
}

// PartitionLedger records which partition keys of a (dataset, version)
// have been materialized.
type PartitionLedger struct {
	DatasetUUID    uuid.UUID    `json:"dataset_uuid"`
	DatasetVersion int64        `json:"dataset_version"`
	Partition      PartitionKey `json:"partition"`
	RecordedAt     time.Time    `json:"recorded_at"`
}
