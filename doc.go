// Package anvil holds the core data types shared by the anvil build tool: the
// object model of the content-addressable store (object types, object info)
// and the blob value handed between storage layers and execution backends.
//
// The heavy lifting lives in the subpackages: hashing computes digests,
// storage/* implement the generational CAS and caches, dag and traverser
// build and walk the action graph, and execapi/* run actions locally or on a
// remote execution service.
package anvil
