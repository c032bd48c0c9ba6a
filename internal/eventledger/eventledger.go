// Package eventledger implements the hash-chained, append-only event ledger used to
// record product, certification, supply-chain and third-party verification events.
//
// Events are grouped into partitions (one product, one certification, or one
// product batch). Within a partition every event stores the hash of its
// predecessor, so the partition forms a singly linked chain whose root has no
// previous hash. Chains never reference each other.
//
// Hashes are SHA-256 over the RFC 8785 canonical JSON form of an event's fields.
// That rule is fixed: changing it invalidates every stored hash.
//
// Ledger is a stateless service over an injected Store. Four Store
// implementations are provided:
//   - MemoryStore: in-process, for tests and development.
//   - PostgresStore: durable, serialised with transaction-scoped advisory locks.
//   - LevelDBStore: embedded and durable, for single-node deployments.
//   - MongoStore: optimistic, relies on a unique (partition_key, seq) index.
package eventledger
