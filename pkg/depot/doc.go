// Package depot is the transactional storage core of an artifact repository.
//
// It exposes a unit-of-work StorageTx over two independently transactional
// stores: a metadata store holding bucket/component/asset records and a blob
// store holding binary content. A caller opens a transaction, begins it,
// performs entity and blob operations, then commits or rolls back. Optimistic
// concurrency conflicts reported by the metadata store are not retried here;
// the transaction only arbitrates whether the caller's retry loop may
// continue (see AllowRetry and Run).
//
// Concrete store implementations live in the repo and blob subpackages;
// everything in this package works against the interfaces declared in
// interfaces.go so stores, policies and validators can be swapped in tests.
package depot
