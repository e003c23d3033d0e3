package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/objectfs/fdfs/pkg/errors"
)

// FileIDSeparator separates the group from the server-assigned name.
const FileIDSeparator = "/"

// FileID identifies a stored file by group and server-assigned name.
type FileID struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}

// NewFileID creates a FileID from its parts.
func NewFileID(group, name string) FileID {
	return FileID{Group: group, Name: name}
}

// ParseFileID splits s on the first separator.
func ParseFileID(s string) (FileID, error) {
	group, name, ok := strings.Cut(s, FileIDSeparator)
	if !ok || group == "" || name == "" {
		return FileID{}, errors.Newf(errors.ErrCodeInvalidFileID, "invalid file id %q", s)
	}
	return FileID{Group: group, Name: name}, nil
}

// String returns the canonical group/name form.
func (f FileID) String() string {
	return f.Group + FileIDSeparator + f.Name
}

// IsZero reports whether f has neither group nor name.
func (f FileID) IsZero() bool {
	return f.Group == "" && f.Name == ""
}

// Validate reports INVALID_FILE_ID unless both group and name are set.
func (f FileID) Validate() error {
	if f.Group == "" || f.Name == "" {
		return errors.Newf(errors.ErrCodeInvalidFileID, "file id %q needs a group and a name", f.String())
	}
	return nil
}

// Endpoint is a host and port pair.
type Endpoint struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// ParseEndpoint parses "host:port". A missing port falls back to defaultPort.
func ParseEndpoint(s string, defaultPort int) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		if strings.Contains(err.Error(), "missing port") {
			return Endpoint{Host: s, Port: defaultPort}, nil
		}
		return Endpoint{}, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid address "+s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, errors.Newf(errors.ErrCodeInvalidConfig, "invalid port in address %s", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// String returns "host:port".
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// StorageEndpoint is the storage server chosen by a tracker for one operation.
type StorageEndpoint struct {
	Address        Endpoint `json:"address"`
	Group          string   `json:"group"`
	StorePathIndex byte     `json:"store_path_index"`
}

// FileInfo describes a stored file as reported by its storage server.
type FileInfo struct {
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	CRC32     uint32    `json:"crc32"`
	SourceIP  string    `json:"source_ip,omitempty"`
}

// Metadata is a flat key/value mapping attached to a file.
type Metadata map[string]string

// MetadataFlag selects how SetMetadata combines with existing metadata.
type MetadataFlag byte

const (
	MetadataOverwrite MetadataFlag = 'O'
	MetadataMerge     MetadataFlag = 'M'
)

// String returns the flag name.
func (f MetadataFlag) String() string {
	switch f {
	case MetadataOverwrite:
		return "OVERWRITE"
	case MetadataMerge:
		return "MERGE"
	default:
		return fmt.Sprintf("MetadataFlag(%d)", byte(f))
	}
}

// StorageStatus is the state a tracker reports for a storage server.
type StorageStatus byte

const (
	StorageStatusInit      StorageStatus = 0
	StorageStatusWaitSync  StorageStatus = 1
	StorageStatusSyncing   StorageStatus = 2
	StorageStatusIPChanged StorageStatus = 3
	StorageStatusDeleted   StorageStatus = 4
	StorageStatusOffline   StorageStatus = 5
	StorageStatusOnline    StorageStatus = 6
	StorageStatusActive    StorageStatus = 7
	StorageStatusNone      StorageStatus = 99
)

var storageStatusNames = map[StorageStatus]string{
	StorageStatusInit:      "INIT",
	StorageStatusWaitSync:  "WAIT_SYNC",
	StorageStatusSyncing:   "SYNCING",
	StorageStatusIPChanged: "IP_CHANGED",
	StorageStatusDeleted:   "DELETED",
	StorageStatusOffline:   "OFFLINE",
	StorageStatusOnline:    "ONLINE",
	StorageStatusActive:    "ACTIVE",
	StorageStatusNone:      "NONE",
}

// String returns the status name.
func (s StorageStatus) String() string {
	if name, ok := storageStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StorageStatus(%d)", byte(s))
}

// GroupInfo is one record of a list-groups response.
type GroupInfo struct {
	Name               string `json:"name"`
	TotalMB            int64  `json:"total_mb"`
	FreeMB             int64  `json:"free_mb"`
	TrunkFreeMB        int64  `json:"trunk_free_mb"`
	StorageCount       int64  `json:"storage_count"`
	StoragePort        int64  `json:"storage_port"`
	StorageHTTPPort    int64  `json:"storage_http_port"`
	ActiveCount        int64  `json:"active_count"`
	CurrentWriteServer int64  `json:"current_write_server"`
	StorePathCount     int64  `json:"store_path_count"`
	SubdirCountPerPath int64  `json:"subdir_count_per_path"`
	CurrentTrunkFileID int64  `json:"current_trunk_file_id"`
}

// OpCounter pairs the total and successful counts of one storage operation.
type OpCounter struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
}

// StorageInfo is one record of a list-storages response.
type StorageInfo struct {
	Status             StorageStatus `json:"status"`
	IP                 string        `json:"ip"`
	DomainName         string        `json:"domain_name"`
	SourceIP           string        `json:"source_ip"`
	Version            string        `json:"version"`
	JoinTime           time.Time     `json:"join_time"`
	UpTime             time.Time     `json:"up_time"`
	TotalMB            int64         `json:"total_mb"`
	FreeMB             int64         `json:"free_mb"`
	UploadPriority     int64         `json:"upload_priority"`
	StorePathCount     int64         `json:"store_path_count"`
	SubdirCountPerPath int64         `json:"subdir_count_per_path"`
	CurrentWritePath   int64         `json:"current_write_path"`
	StoragePort        int64         `json:"storage_port"`
	StorageHTTPPort    int64         `json:"storage_http_port"`

	ConnectionAllocCount   int32 `json:"connection_alloc_count"`
	ConnectionCurrentCount int32 `json:"connection_current_count"`
	ConnectionMaxCount     int32 `json:"connection_max_count"`

	Upload         OpCounter `json:"upload"`
	Append         OpCounter `json:"append"`
	Modify         OpCounter `json:"modify"`
	Truncate       OpCounter `json:"truncate"`
	SetMeta        OpCounter `json:"set_meta"`
	Delete         OpCounter `json:"delete"`
	Download       OpCounter `json:"download"`
	GetMeta        OpCounter `json:"get_meta"`
	CreateLink     OpCounter `json:"create_link"`
	DeleteLink     OpCounter `json:"delete_link"`
	UploadBytes    OpCounter `json:"upload_bytes"`
	AppendBytes    OpCounter `json:"append_bytes"`
	ModifyBytes    OpCounter `json:"modify_bytes"`
	DownloadBytes  OpCounter `json:"download_bytes"`
	SyncInBytes    OpCounter `json:"sync_in_bytes"`
	SyncOutBytes   OpCounter `json:"sync_out_bytes"`
	FileOpen       OpCounter `json:"file_open"`
	FileRead       OpCounter `json:"file_read"`
	FileWrite      OpCounter `json:"file_write"`

	LastSourceUpdate    time.Time `json:"last_source_update"`
	LastSyncUpdate      time.Time `json:"last_sync_update"`
	LastSyncedTimestamp time.Time `json:"last_synced_timestamp"`
	LastHeartBeatTime   time.Time `json:"last_heart_beat_time"`
	IsTrunkServer       bool      `json:"is_trunk_server"`
}

// Options are the immutable runtime settings of the engine.
type Options struct {
	Trackers       []Endpoint    `json:"trackers"`
	Charset        string        `json:"charset"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	NetworkTimeout time.Duration `json:"network_timeout"`
	DefaultExt     string        `json:"default_ext"`
	PoolSize       int           `json:"pool_size"`
	WriteQueueSize int           `json:"write_queue_size"`
	ReadBufferSize int           `json:"read_buffer_size"`
}

// Default option values.
const (
	DefaultCharset        = "UTF-8"
	DefaultConnectTimeout = 10 * time.Second
	DefaultNetworkTimeout = 10 * time.Second
	DefaultPoolSize       = 8
	DefaultTrackerPort    = 22122
	DefaultWriteQueueSize = 64 * 1024
	DefaultReadBufferSize = 32 * 1024
)

// DefaultOptions returns options with every field at its default.
func DefaultOptions() Options {
	return Options{
		Charset:        DefaultCharset,
		ConnectTimeout: DefaultConnectTimeout,
		NetworkTimeout: DefaultNetworkTimeout,
		PoolSize:       DefaultPoolSize,
		WriteQueueSize: DefaultWriteQueueSize,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// WithDefaults fills zero-valued fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Charset == "" {
		o.Charset = d.Charset
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.NetworkTimeout <= 0 {
		o.NetworkTimeout = d.NetworkTimeout
	}
	if o.PoolSize <= 0 {
		o.PoolSize = d.PoolSize
	}
	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = d.WriteQueueSize
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = d.ReadBufferSize
	}
	return o
}
