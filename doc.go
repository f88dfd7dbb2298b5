/*

# StellarDB cluster-metadata core

This repository slice implements the cluster-metadata subsystem of
StellarDB, a distributed SQL database: the versioned, replicated
configuration state describing tables, templates, and custom payloads
(roles, privileges, replication topology), and the discipline by which
that state is loaded, upgraded, and mutated.

## Data Model

* ClusterMetadata, the root aggregate: index metadata, template
  metadata, and custom payloads keyed by kind. Immutable; every
  mutation goes through a copy-on-write builder.

* Custom payloads carried here: roles/privileges and logical
  replication subscriptions/publications.

* ClusterState, the in-memory handle over the last accepted metadata
  plus the consensus term/version pair, cluster blocks, and node
  descriptors.

## Architecture

* The gateway loads (and maybe upgrades) the last accepted metadata
  from rocksdb at startup, gated behind a state-not-recovered block.

* All mutation goes through the state-update task executor: a named
  task is proposed to the raft group, applied in isolation against the
  latest state, and committed only when it actually changed anything.

* Role/privilege transitions are pure functions over a RolesMetadata
  snapshot; the executor composes them into update tasks.

## Building Blocks

* etcd raft
* gRPC
* Rocksdb
* Prometheus

*/

package stellardb
