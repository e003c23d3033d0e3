// Package tracker resolves logical operations to storage servers by
// querying a tracker, and lists the groups and storage servers it knows.
package tracker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/objectfs/fdfs/internal/conn"
	"github.com/objectfs/fdfs/internal/protocol"
	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/storage"
	"github.com/objectfs/fdfs/pkg/types"
)

// Config holds what a Tracker handle shares with the rest of the engine
type Config struct {
	Pool           *conn.Pool
	Charset        *protocol.Charset
	NetworkTimeout time.Duration
	Logger         zerolog.Logger

	// Storage configures the handles returned by StoreStorage,
	// FetchStorage and UpdateStorage. Unset shared fields are taken from
	// this Config and the logger is always shared.
	Storage storage.Config
}

func (c Config) withDefaults() Config {
	if c.Charset == nil {
		c.Charset = protocol.UTF8
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = types.DefaultNetworkTimeout
	}
	if c.Storage.Pool == nil {
		c.Storage.Pool = c.Pool
	}
	if c.Storage.Charset == nil {
		c.Storage.Charset = c.Charset
	}
	if c.Storage.NetworkTimeout <= 0 {
		c.Storage.NetworkTimeout = c.NetworkTimeout
	}
	c.Storage.Logger = c.Logger
	return c
}

// Tracker issues queries to one tracker server
type Tracker struct {
	endpoint types.Endpoint
	address  string
	cfg      Config
	logger   zerolog.Logger
}

// New returns a handle for the tracker at endpoint
func New(endpoint types.Endpoint, cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	address := endpoint.String()
	return &Tracker{
		endpoint: endpoint,
		address:  address,
		cfg:      cfg,
		logger: cfg.Logger.With().
			Str("component", "tracker").
			Str("tracker", address).
			Logger(),
	}
}

// Endpoint returns the tracker address
func (t *Tracker) Endpoint() types.Endpoint {
	return t.endpoint
}

// Probe reserves a pooled connection to the tracker, dialing it if needed,
// and releases it again.
func (t *Tracker) Probe(ctx context.Context) error {
	l, err := t.cfg.Pool.Get(ctx, t.address)
	if err != nil {
		return errors.Annotate(err, "tracker", "probe")
	}
	l.Release()
	return nil
}

// ActiveTest sends the active-test command and waits for an empty reply
func (t *Tracker) ActiveTest(ctx context.Context) error {
	_, err := t.exchange(ctx, "active_test", protocol.PackHeader(protocol.ActiveTest, 0, 0), 0)
	return err
}

// QueryStore returns the storage server to upload a new file to. An empty
// group lets the tracker choose.
func (t *Tracker) QueryStore(ctx context.Context, group string) (types.StorageEndpoint, error) {
	var req []byte
	if group == "" {
		req = protocol.PackHeader(protocol.TrackerQueryStoreWithoutGroup, 0, 0)
	} else {
		g, err := protocol.EncodeGroup(group, t.cfg.Charset)
		if err != nil {
			return types.StorageEndpoint{}, errors.Annotate(err, "tracker", "query_store")
		}
		req = protocol.NewRequest(protocol.TrackerQueryStoreWithGroup, protocol.GroupNameMaxLen, 0).
			PutFixed(g, protocol.GroupNameMaxLen).
			Bytes()
	}

	return t.queryEndpoint(ctx, "query_store", req, protocol.StoreResponseLength)
}

// QueryFetch returns a storage server that can serve reads of id
func (t *Tracker) QueryFetch(ctx context.Context, id types.FileID) (types.StorageEndpoint, error) {
	return t.queryFileID(ctx, "query_fetch", protocol.TrackerQueryFetchOne, id)
}

// QueryUpdate returns the storage server that must handle changes to id
func (t *Tracker) QueryUpdate(ctx context.Context, id types.FileID) (types.StorageEndpoint, error) {
	return t.queryFileID(ctx, "query_update", protocol.TrackerQueryUpdate, id)
}

func (t *Tracker) queryFileID(ctx context.Context, op string, cmd byte, id types.FileID) (types.StorageEndpoint, error) {
	if err := id.Validate(); err != nil {
		return types.StorageEndpoint{}, errors.Annotate(err, "tracker", op)
	}
	req, err := protocol.PackFileID(cmd, id, t.cfg.Charset)
	if err != nil {
		return types.StorageEndpoint{}, errors.Annotate(err, "tracker", op)
	}
	return t.queryEndpoint(ctx, op, req, protocol.FetchResponseLength)
}

func (t *Tracker) queryEndpoint(ctx context.Context, op string, req []byte, expectedLength int64) (types.StorageEndpoint, error) {
	packet, err := t.exchange(ctx, op, req, expectedLength)
	if err != nil {
		return types.StorageEndpoint{}, err
	}

	ep, err := protocol.DecodeStorageEndpoint(packet.Body, t.cfg.Charset)
	if err != nil {
		return types.StorageEndpoint{}, errors.Annotate(err, "tracker", op)
	}

	t.logger.Debug().
		Str("op", op).
		Str("group", ep.Group).
		Str("storage", ep.Address.String()).
		Uint8("store_path", ep.StorePathIndex).
		Msg("Resolved storage")
	return ep, nil
}

// Groups lists every group the tracker knows
func (t *Tracker) Groups(ctx context.Context) ([]types.GroupInfo, error) {
	packet, err := t.exchange(ctx, "groups", protocol.PackHeader(protocol.TrackerListGroups, 0, 0), 0)
	if err != nil {
		return nil, err
	}
	groups, err := protocol.DecodeGroups(packet.Body, t.cfg.Charset)
	if err != nil {
		return nil, errors.Annotate(err, "tracker", "groups")
	}
	return groups, nil
}

// Storages lists the storage servers of group
func (t *Tracker) Storages(ctx context.Context, group string) ([]types.StorageInfo, error) {
	g, err := protocol.EncodeGroup(group, t.cfg.Charset)
	if err != nil {
		return nil, errors.Annotate(err, "tracker", "storages")
	}
	req := protocol.NewRequest(protocol.TrackerListStorages, protocol.GroupNameMaxLen, 0).
		PutFixed(g, protocol.GroupNameMaxLen).
		Bytes()

	packet, err := t.exchange(ctx, "storages", req, 0)
	if err != nil {
		return nil, err
	}
	storages, err := protocol.DecodeStorages(packet.Body, t.cfg.Charset)
	if err != nil {
		return nil, errors.Annotate(err, "tracker", "storages")
	}
	return storages, nil
}

// StoreStorage resolves a storage server for a new file and returns a
// handle to it
func (t *Tracker) StoreStorage(ctx context.Context, group string) (*storage.Storage, error) {
	ep, err := t.QueryStore(ctx, group)
	if err != nil {
		return nil, err
	}
	return storage.New(ep, t.cfg.Storage), nil
}

// FetchStorage resolves a storage server that can read id
func (t *Tracker) FetchStorage(ctx context.Context, id types.FileID) (*storage.Storage, error) {
	ep, err := t.QueryFetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return storage.New(ep, t.cfg.Storage), nil
}

// UpdateStorage resolves the storage server that can change id
func (t *Tracker) UpdateStorage(ctx context.Context, id types.FileID) (*storage.Storage, error) {
	ep, err := t.QueryUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	return storage.New(ep, t.cfg.Storage), nil
}

func (t *Tracker) exchange(ctx context.Context, op string, req []byte, expectedLength int64) (*protocol.Packet, error) {
	packet, err := t.cfg.Pool.Exchange(ctx, t.address, req, expectedLength, nil, t.cfg.NetworkTimeout)
	if err != nil {
		if !errors.HasCode(err, errors.ErrCodeServerStatus) {
			t.logger.Warn().Err(err).Str("op", op).Msg("Tracker request failed")
		}
		return nil, errors.Annotate(err, "tracker", op)
	}
	return packet, nil
}
