package mmodel

import "github.com/google/uuid"

// TokenIssuer and TokenAudience are fixed claim values every capability
// token carries (§4.3).
const (
	TokenIssuer   = "trace-dispatcher"
	TokenAudience = "trace.task"
)

// DatasetGrant pins a capability token to a specific dataset version and
// its resolved storage location, so the verifier can check exact-match
// data scopes without a round trip to the control-plane store.
type DatasetGrant struct {
	DatasetUUID    uuid.UUID `json:"dataset_uuid"`
	DatasetVersion int64     `json:"dataset_version"`
	StorageRef     string    `json:"storage_ref"`
}

// ObjectStoreGrant authorizes read and/or write access under a
// canonicalized object-store prefix (§4.3 storage-prefix canonicalization).
type ObjectStoreGrant struct {
	Prefix string `json:"prefix"`
	Read   bool   `json:"read"`
	Write  bool   `json:"write"`
}

// Claims are the required and optional fields a capability token carries.
// KeyID is carried out-of-band in the token header (`kid`), not here.
type Claims struct {
	OrgID       uuid.UUID          `json:"org_id"`
	TaskID      uuid.UUID          `json:"task_id"`
	Attempt     int                `json:"attempt"`
	Datasets    []DatasetGrant     `json:"datasets,omitempty"`
	ObjectStore []ObjectStoreGrant `json:"object_store,omitempty"`
}

// Subject returns the JWT `sub` claim value for t, `task:{task_id}`.
func (c Claims) Subject() string {
	return "task:" + c.TaskID.String()
}
