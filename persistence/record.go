package persistence

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Op 日志记录类型
type Op = byte

const (
	OpWrite Op = iota + 1
	OpDelete
	OpCheckpoint
)

// 单条记录 id + state + data 的上限
const maxRecordBodySize = 64 << 20

// header crc + type + idSize stateSize dataSize，损坏的长度也要能重新编码
const maxRecordHeaderSize = crc32.Size + 1 + binary.MaxVarintLen64*3

var (
	// 日志尾部的记录没有写完整，属于未被确认的写入
	errTornRecord = errors.New("persistence: torn log record")
	// 记录校验失败，无论位于何处都不能截断
	errCorruptRecord = errors.New("persistence: corrupt log record")
)

// Record 写入日志的一条记录
type Record struct {
	Op    Op
	ID    string
	State TxState
	Data  []byte
}

func writeRecord(img *StateImage) *Record {
	return &Record{Op: OpWrite, ID: img.ID, State: img.State, Data: img.Data}
}

func (r *Record) image() *StateImage {
	return &StateImage{ID: r.ID, State: r.State, Data: r.Data}
}

// encodeRecord
//
//	+--------------+--------+-----------+--------------+-------------+------------+------+---------+--------+
//	|  header crc  |  type  |  id size  |  state size  |  data size  |  body crc  |  id  |  state  |  data  |
//	+--------------+--------+-----------+--------------+-------------+------------+------+---------+--------+
//	    4 字节       1 字节   变长(最大5)   变长(最大5)    变长(最大5)     4 字节      变长    变长      变长
//
// header crc 覆盖 type 与三个长度，校验通过之后才信任长度去读 body.
func encodeRecord(r *Record) []byte {
	header := make([]byte, maxRecordHeaderSize)
	index := encodeRecordHeader(header, r.Op, uint64(len(r.ID)), uint64(len(r.State)), uint64(len(r.Data)))

	bodyOffset := index + crc32.Size
	buf := make([]byte, bodyOffset+len(r.ID)+len(r.State)+len(r.Data))
	copy(buf, header[:index])
	offset := bodyOffset
	offset += copy(buf[offset:], r.ID)
	offset += copy(buf[offset:], r.State)
	copy(buf[offset:], r.Data)

	binary.LittleEndian.PutUint32(buf[index:bodyOffset], crc32.ChecksumIEEE(buf[bodyOffset:]))
	return buf
}

// encodeRecordHeader 写入 header crc、type 与长度，返回 header 长度
func encodeRecordHeader(header []byte, op Op, sizes ...uint64) int {
	header[crc32.Size] = op
	index := crc32.Size + 1
	for _, size := range sizes {
		index += binary.PutUvarint(header[index:], size)
	}
	binary.LittleEndian.PutUint32(header[:crc32.Size], crc32.ChecksumIEEE(header[crc32.Size:index]))
	return index
}

// decodeRecord 从 reader 中顺序读出一条记录，返回记录及其占用的字节数.
// 读到文件末尾返回 io.EOF.
// 只有 header 不完整，或者 header 校验通过但 body 超出文件末尾，才视为写了一半的记录；
// 其余校验失败都是损坏.
func decodeRecord(reader *bufio.Reader) (*Record, int64, error) {
	var crcBuf [crc32.Size]byte
	if _, err := io.ReadFull(reader, crcBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, errTornRecord
	}

	op, err := reader.ReadByte()
	if err != nil {
		return nil, 0, errTornRecord
	}
	sizes := make([]uint64, 3)
	for i := range sizes {
		if sizes[i], err = binary.ReadUvarint(reader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, 0, errTornRecord
			}
			return nil, 0, fmt.Errorf("%w: record size: %v", errCorruptRecord, err)
		}
	}

	header := make([]byte, maxRecordHeaderSize)
	index := encodeRecordHeader(header, op, sizes...)
	if binary.LittleEndian.Uint32(header[:crc32.Size]) != binary.LittleEndian.Uint32(crcBuf[:]) {
		return nil, 0, fmt.Errorf("%w: header crc mismatch", errCorruptRecord)
	}
	if op < OpWrite || op > OpCheckpoint {
		return nil, 0, fmt.Errorf("%w: unknown record type %d", errCorruptRecord, op)
	}
	bodySize := sizes[0] + sizes[1] + sizes[2]
	if bodySize > maxRecordBodySize {
		return nil, 0, fmt.Errorf("%w: body size %d", errCorruptRecord, bodySize)
	}

	var bodyCrcBuf [crc32.Size]byte
	if _, err := io.ReadFull(reader, bodyCrcBuf[:]); err != nil {
		return nil, 0, errTornRecord
	}
	body := make([]byte, bodySize)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, 0, errTornRecord
	}

	record := &Record{
		Op:    op,
		ID:    string(body[:sizes[0]]),
		State: TxState(body[sizes[0] : sizes[0]+sizes[1]]),
	}
	if sizes[2] > 0 {
		record.Data = body[sizes[0]+sizes[1]:]
	}
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(bodyCrcBuf[:]) {
		return nil, 0, fmt.Errorf("%w: body crc mismatch for %q", errCorruptRecord, record.ID)
	}

	return record, int64(index) + crc32.Size + int64(bodySize), nil
}
