/*
Package types provides the value types shared by every layer of the FastDFS client.

# Identifiers

FileID names a stored file as a (group, name) pair. Its canonical text form is
group + "/" + name; ParseFileID splits on the first separator, so names may
themselves contain slashes:

	id, err := types.ParseFileID("group1/M00/00/00/wKgAAV1.txt")
	// id.Group == "group1", id.Name == "M00/00/00/wKgAAV1.txt"

Endpoint is a host/port pair and StorageEndpoint is the storage server a
tracker selected for one operation, along with the group and the store-path
index used by uploads.

# Records

GroupInfo and StorageInfo carry the decoded list-groups and list-storages
records. FileInfo carries the size, creation time, CRC32 and optional source
address reported by a storage server.

# Options

Options holds the runtime settings the engine reads after construction:
trackers, charset, connect and network timeouts, default extension, pool size
and transfer buffer sizes. WithDefaults fills unset fields.

# Interfaces

MetricsCollector and PoolObserver decouple the engine from its
instrumentation. NopMetrics and NopPoolObserver are used when none is supplied.
*/
package types
