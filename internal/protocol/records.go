package protocol

import (
	"encoding/binary"
	"time"

	"github.com/objectfs/fdfs/pkg/errors"
	"github.com/objectfs/fdfs/pkg/types"
)

// DecodeStorageEndpoint decodes a tracker store/fetch/update reply. The
// store-path index is present only in store replies.
func DecodeStorageEndpoint(body []byte, cs *Charset) (types.StorageEndpoint, error) {
	if len(body) < FetchResponseLength {
		return types.StorageEndpoint{}, errors.Newf(errors.ErrCodeResponseTooShort,
			"storage endpoint reply has %d bytes, need %d", len(body), FetchResponseLength)
	}

	ipEnd := GroupNameMaxLen + IPAddrSize - 1
	ep := types.StorageEndpoint{
		Group: cs.DecodeField(body[:GroupNameMaxLen]),
		Address: types.Endpoint{
			Host: cs.DecodeField(body[GroupNameMaxLen:ipEnd]),
			Port: int(Int64At(body, ipEnd)),
		},
	}
	if len(body) > FetchResponseLength {
		ep.StorePathIndex = body[FetchResponseLength]
	}
	return ep, nil
}

// DecodeUploadResponse decodes the group and generated name of an upload reply.
func DecodeUploadResponse(body []byte, cs *Charset) (types.FileID, error) {
	if len(body) < uploadResponseMinBytes {
		return types.FileID{}, errors.Newf(errors.ErrCodeResponseTooShort,
			"upload reply has %d bytes, need more than %d", len(body), GroupNameMaxLen)
	}
	return types.NewFileID(
		cs.DecodeField(body[:GroupNameMaxLen]),
		cs.DecodeField(body[GroupNameMaxLen:]),
	), nil
}

// DecodeFileInfo decodes a query-file-info reply with or without source IP.
func DecodeFileInfo(body []byte, cs *Charset) (types.FileInfo, error) {
	if len(body) != FileInfoLength && len(body) != FileInfoWithIPLength {
		return types.FileInfo{}, errors.Newf(errors.ErrCodeInvalidFileInfo,
			"file info reply has %d bytes, expected %d or %d", len(body), FileInfoLength, FileInfoWithIPLength)
	}

	info := types.FileInfo{
		Size:      Int64At(body, 0),
		CreatedAt: time.Unix(Int64At(body, LengthFieldSize), 0),
		CRC32:     uint32(Int64At(body, 2*LengthFieldSize)),
	}
	if len(body) == FileInfoWithIPLength {
		info.SourceIP = cs.DecodeField(body[FileInfoLength:])
	}
	return info, nil
}

func checkRecordLength(body []byte, size int, kind string) (int, error) {
	if len(body)%size != 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidRecordLength,
			"%s reply length %d is not a multiple of %d", kind, len(body), size).
			WithDetail("length", len(body))
	}
	return len(body) / size, nil
}

// DecodeGroups decodes a list-groups reply.
func DecodeGroups(body []byte, cs *Charset) ([]types.GroupInfo, error) {
	count, err := checkRecordLength(body, GroupRecordSize, "group")
	if err != nil {
		return nil, err
	}

	groups := make([]types.GroupInfo, 0, count)
	for i := 0; i < count; i++ {
		rec := body[i*GroupRecordSize : (i+1)*GroupRecordSize]
		// One pad byte follows the name
		field := func(n int) int64 { return Int64At(rec, GroupNameMaxLen+1+n*LengthFieldSize) }
		groups = append(groups, types.GroupInfo{
			Name:               cs.DecodeField(rec[:GroupNameMaxLen]),
			TotalMB:            field(0),
			FreeMB:             field(1),
			TrunkFreeMB:        field(2),
			StorageCount:       field(3),
			StoragePort:        field(4),
			StorageHTTPPort:    field(5),
			ActiveCount:        field(6),
			CurrentWriteServer: field(7),
			StorePathCount:     field(8),
			SubdirCountPerPath: field(9),
			CurrentTrunkFileID: field(10),
		})
	}
	return groups, nil
}

// recordReader walks a fixed-layout record front to back.
type recordReader struct {
	b   []byte
	off int
	cs  *Charset
}

func (r *recordReader) byte() byte {
	v := r.b[r.off]
	r.off++
	return v
}

func (r *recordReader) string(width int) string {
	v := r.cs.DecodeField(r.b[r.off : r.off+width])
	r.off += width
	return v
}

func (r *recordReader) int64() int64 {
	v := Int64At(r.b, r.off)
	r.off += LengthFieldSize
	return v
}

func (r *recordReader) int32() int32 {
	v := int32(binary.BigEndian.Uint32(r.b[r.off : r.off+4]))
	r.off += 4
	return v
}

func (r *recordReader) time() time.Time {
	return time.Unix(r.int64(), 0)
}

func (r *recordReader) counter() types.OpCounter {
	total := r.int64()
	return types.OpCounter{Total: total, Success: r.int64()}
}

// DecodeStorages decodes a list-storages reply.
func DecodeStorages(body []byte, cs *Charset) ([]types.StorageInfo, error) {
	count, err := checkRecordLength(body, StorageRecordSize, "storage")
	if err != nil {
		return nil, err
	}

	storages := make([]types.StorageInfo, 0, count)
	for i := 0; i < count; i++ {
		r := &recordReader{b: body[i*StorageRecordSize : (i+1)*StorageRecordSize], cs: cs}
		var s types.StorageInfo

		s.Status = types.StorageStatus(r.byte())
		s.IP = r.string(IPAddrSize)
		s.DomainName = r.string(DomainNameMaxSize)
		s.SourceIP = r.string(IPAddrSize)
		s.Version = r.string(VersionSize)
		s.JoinTime = r.time()
		s.UpTime = r.time()
		s.TotalMB = r.int64()
		s.FreeMB = r.int64()
		s.UploadPriority = r.int64()
		s.StorePathCount = r.int64()
		s.SubdirCountPerPath = r.int64()
		s.CurrentWritePath = r.int64()
		s.StoragePort = r.int64()
		s.StorageHTTPPort = r.int64()
		s.ConnectionAllocCount = r.int32()
		s.ConnectionCurrentCount = r.int32()
		s.ConnectionMaxCount = r.int32()

		for _, c := range []*types.OpCounter{
			&s.Upload, &s.Append, &s.Modify, &s.Truncate, &s.SetMeta,
			&s.Delete, &s.Download, &s.GetMeta, &s.CreateLink, &s.DeleteLink,
			&s.UploadBytes, &s.AppendBytes, &s.ModifyBytes, &s.DownloadBytes,
			&s.SyncInBytes, &s.SyncOutBytes,
			&s.FileOpen, &s.FileRead, &s.FileWrite,
		} {
			*c = r.counter()
		}

		s.LastSourceUpdate = r.time()
		s.LastSyncUpdate = r.time()
		s.LastSyncedTimestamp = r.time()
		s.LastHeartBeatTime = r.time()
		s.IsTrunkServer = r.byte() != 0

		storages = append(storages, s)
	}
	return storages, nil
}
