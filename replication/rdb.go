package replication

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/raniellyferreira/redis-inmemory-server/storage"
)

// RDB format constants
const (
	MaxSupportedRDBVersion = 12

	RDBOpcodeModuleAux = 0xF7
	RDBOpcodeIdle      = 0xF8
	RDBOpcodeFreq      = 0xF9
	RDBOpcodeAux       = 0xFA
	RDBOpcodeResizeDB  = 0xFB
	RDBOpcodeExpiryMs  = 0xFC
	RDBOpcodeExpiry    = 0xFD
	RDBOpcodeDB        = 0xFE
	RDBOpcodeEOF       = 0xFF

	RDBTypeString          = 0
	RDBTypeList            = 1
	RDBTypeSet             = 2
	RDBTypeZSet            = 3
	RDBTypeHash            = 4
	RDBTypeZSet2           = 5
	RDBTypeHashZipmap      = 9
	RDBTypeListZiplist     = 10
	RDBTypeSetIntset       = 11
	RDBTypeZSetZiplist     = 12
	RDBTypeHashZiplist     = 13
	RDBTypeListQuicklist   = 14
	RDBTypeStreamListpacks = 15
	RDBTypeHashListpack    = 16
	RDBTypeZSetListpack    = 17
	RDBTypeListQuicklist2  = 18
	RDBTypeSetListpack     = 20

	maxRDBStringLen = 512 * 1024 * 1024
)

// ErrUnsupportedRDBType is returned for encodings that cannot be skipped
// without decoding them, such as streams
var ErrUnsupportedRDBType = errors.New("unsupported RDB value type")

// RDBHandler processes RDB entries during parsing
type RDBHandler interface {
	// OnDatabase is called when switching to a new database
	OnDatabase(index int) error

	// OnKey is called for each key. The value carries the key's expiry.
	OnKey(key []byte, value *storage.Value) error

	// OnAux is called for auxiliary fields
	OnAux(key, value []byte) error

	// OnEnd is called when parsing is complete
	OnEnd() error
}

// RDBParser reads an RDB stream and hands every entry to an RDBHandler
type RDBParser struct {
	br      *bufio.Reader
	handler RDBHandler
	logger  Logger
	version int
	skipped int
}

// NewRDBParser creates a new RDB parser
func NewRDBParser(r io.Reader, handler RDBHandler) *RDBParser {
	return &RDBParser{
		br:      bufio.NewReader(r),
		handler: handler,
		logger:  nopLogger{},
	}
}

// SetLogger sets the logger for the RDB parser
func (p *RDBParser) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Version returns the RDB version read from the header
func (p *RDBParser) Version() int {
	return p.version
}

// Skipped returns the number of keys dropped because their encoding is not
// decoded
func (p *RDBParser) Skipped() int {
	return p.skipped
}

// Parse reads the whole stream
func (p *RDBParser) Parse() error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(p.br, header); err != nil {
		return fmt.Errorf("failed to read RDB header: %w", err)
	}
	if string(header[:5]) != "REDIS" {
		return fmt.Errorf("invalid RDB magic: %q", header[:5])
	}

	version, err := strconv.Atoi(string(header[5:]))
	if err != nil {
		return fmt.Errorf("invalid RDB version: %q", header[5:])
	}
	if version > MaxSupportedRDBVersion {
		return fmt.Errorf("unsupported RDB version: %d (max supported: %d)", version, MaxSupportedRDBVersion)
	}
	p.version = version

	var expiry *time.Time
	for {
		opcode, err := p.br.ReadByte()
		if err == io.EOF {
			// no EOF opcode, but nothing is cut off either
			return p.handler.OnEnd()
		}
		if err != nil {
			return fmt.Errorf("failed to read opcode: %w", err)
		}

		switch opcode {
		case RDBOpcodeEOF:
			// an 8 byte checksum may follow; it is not verified
			return p.handler.OnEnd()

		case RDBOpcodeDB:
			db, err := p.readLength()
			if err != nil {
				return fmt.Errorf("failed to read database number: %w", err)
			}
			if err := p.handler.OnDatabase(int(db)); err != nil {
				return err
			}

		case RDBOpcodeExpiry:
			var seconds uint32
			if err := binary.Read(p.br, binary.LittleEndian, &seconds); err != nil {
				return fmt.Errorf("failed to read expiry: %w", err)
			}
			t := time.Unix(int64(seconds), 0)
			expiry = &t

		case RDBOpcodeExpiryMs:
			var ms uint64
			if err := binary.Read(p.br, binary.LittleEndian, &ms); err != nil {
				return fmt.Errorf("failed to read expiry: %w", err)
			}
			t := time.UnixMilli(int64(ms))
			expiry = &t

		case RDBOpcodeResizeDB:
			for i := 0; i < 2; i++ {
				if _, err := p.readLength(); err != nil {
					return fmt.Errorf("failed to read resizedb hint: %w", err)
				}
			}

		case RDBOpcodeAux:
			key, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read aux key: %w", err)
			}
			value, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read aux value for key %s: %w", key, err)
			}
			if err := p.handler.OnAux(key, value); err != nil {
				return err
			}

		case RDBOpcodeIdle:
			if _, err := p.readLength(); err != nil {
				return err
			}

		case RDBOpcodeFreq:
			if _, err := p.br.ReadByte(); err != nil {
				return err
			}

		case RDBOpcodeModuleAux:
			return fmt.Errorf("%w: module aux data", ErrUnsupportedRDBType)

		default:
			if err := p.readKeyValue(opcode, expiry); err != nil {
				return err
			}
			expiry = nil
		}
	}
}

func (p *RDBParser) readKeyValue(valueType byte, expiry *time.Time) error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	value, err := p.readValue(valueType)
	if err != nil {
		return fmt.Errorf("failed to read value for key %s: %w", key, err)
	}
	if value == nil {
		p.skipped++
		p.logger.Debug("Skipping RDB key with undecoded encoding", "key", string(key), "type", valueType)
		return nil
	}

	value.Expiry = expiry
	return p.handler.OnKey(key, value)
}

// readValue decodes a value of the given type. Compact encodings are
// consumed and reported as nil.
func (p *RDBParser) readValue(valueType byte) (*storage.Value, error) {
	switch valueType {
	case RDBTypeString:
		data, err := p.readString()
		if err != nil {
			return nil, err
		}
		return &storage.Value{Type: storage.ValueTypeString, Data: &storage.StringValue{Data: data}}, nil

	case RDBTypeList:
		n, err := p.readLength()
		if err != nil {
			return nil, err
		}
		list := &storage.ListValue{Elements: make([][]byte, 0, n)}
		for i := uint64(0); i < n; i++ {
			element, err := p.readString()
			if err != nil {
				return nil, err
			}
			list.Elements = append(list.Elements, element)
		}
		return &storage.Value{Type: storage.ValueTypeList, Data: list}, nil

	case RDBTypeSet:
		n, err := p.readLength()
		if err != nil {
			return nil, err
		}
		set := &storage.SetValue{Members: make(map[string]struct{}, n)}
		for i := uint64(0); i < n; i++ {
			member, err := p.readString()
			if err != nil {
				return nil, err
			}
			set.Members[string(member)] = struct{}{}
		}
		return &storage.Value{Type: storage.ValueTypeSet, Data: set}, nil

	case RDBTypeZSet, RDBTypeZSet2:
		n, err := p.readLength()
		if err != nil {
			return nil, err
		}
		zset := &storage.ZSetValue{Members: make(map[string]float64, n)}
		for i := uint64(0); i < n; i++ {
			member, err := p.readString()
			if err != nil {
				return nil, err
			}
			var score float64
			if valueType == RDBTypeZSet2 {
				var bits uint64
				if err := binary.Read(p.br, binary.LittleEndian, &bits); err != nil {
					return nil, err
				}
				score = math.Float64frombits(bits)
			} else {
				score, err = p.readDoubleString()
				if err != nil {
					return nil, err
				}
			}
			zset.Members[string(member)] = score
		}
		return &storage.Value{Type: storage.ValueTypeZSet, Data: zset}, nil

	case RDBTypeHash:
		n, err := p.readLength()
		if err != nil {
			return nil, err
		}
		hash := &storage.HashValue{Fields: make(map[string][]byte, n)}
		for i := uint64(0); i < n; i++ {
			field, err := p.readString()
			if err != nil {
				return nil, err
			}
			value, err := p.readString()
			if err != nil {
				return nil, err
			}
			hash.Fields[string(field)] = value
		}
		return &storage.Value{Type: storage.ValueTypeHash, Data: hash}, nil

	case RDBTypeHashZipmap, RDBTypeListZiplist, RDBTypeSetIntset, RDBTypeZSetZiplist,
		RDBTypeHashZiplist, RDBTypeHashListpack, RDBTypeZSetListpack, RDBTypeSetListpack:
		// a single blob
		_, err := p.readString()
		return nil, err

	case RDBTypeListQuicklist, RDBTypeListQuicklist2:
		n, err := p.readLength()
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < n; i++ {
			if valueType == RDBTypeListQuicklist2 {
				// node container kind
				if _, err := p.readLength(); err != nil {
					return nil, err
				}
			}
			if _, err := p.readString(); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnsupportedRDBType, valueType)
}

// readDoubleString reads the length-prefixed ASCII double of RDB_TYPE_ZSET
func (p *RDBParser) readDoubleString() (float64, error) {
	n, err := p.br.ReadByte()
	if err != nil {
		return 0, err
	}
	switch n {
	case 253:
		return math.NaN(), nil
	case 254:
		return math.Inf(1), nil
	case 255:
		return math.Inf(-1), nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.br, buf); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(buf), 64)
}

// readLength reads a length-encoded integer. The top two bits of the first
// byte select a 6-bit, 14-bit or 32/64-bit length.
func (p *RDBParser) readLength() (uint64, error) {
	n, special, err := p.readLengthOrEncoding()
	if err != nil {
		return 0, err
	}
	if special {
		return 0, fmt.Errorf("unexpected special encoding %d where a length was expected", n)
	}
	return n, nil
}

// readLengthOrEncoding reads a length, or reports special=true with the
// encoding kind in the low six bits
func (p *RDBParser) readLengthOrEncoding() (uint64, bool, error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch b >> 6 {
	case 0:
		return uint64(b & 0x3F), false, nil
	case 1:
		b2, err := p.br.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(b&0x3F)<<8 | uint64(b2), false, nil
	case 2:
		switch b {
		case 0x80:
			var n uint32
			err := binary.Read(p.br, binary.BigEndian, &n)
			return uint64(n), false, err
		case 0x81:
			var n uint64
			err := binary.Read(p.br, binary.BigEndian, &n)
			return n, false, err
		}
		return 0, false, fmt.Errorf("invalid length encoding byte 0x%02x", b)
	default:
		return uint64(b & 0x3F), true, nil
	}
}

// readString reads a string, which may be stored as an integer or LZF
// compressed
func (p *RDBParser) readString() ([]byte, error) {
	n, special, err := p.readLengthOrEncoding()
	if err != nil {
		return nil, err
	}

	if !special {
		if n > maxRDBStringLen {
			return nil, fmt.Errorf("string length too large: %d", n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(p.br, data); err != nil {
			return nil, fmt.Errorf("failed to read string data: %w", err)
		}
		return data, nil
	}

	switch n {
	case 0:
		b, err := p.br.ReadByte()
		if err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(int8(b)), 10), nil
	case 1:
		var v int16
		if err := binary.Read(p.br, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(v), 10), nil
	case 2:
		var v int32
		if err := binary.Read(p.br, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(v), 10), nil
	case 3:
		return p.readCompressedString()
	}
	return nil, fmt.Errorf("invalid special string encoding: %d", n)
}

// readCompressedString reads an LZF compressed string
func (p *RDBParser) readCompressedString() ([]byte, error) {
	compressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed length: %w", err)
	}
	uncompressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read uncompressed length: %w", err)
	}
	if compressedLen > maxRDBStringLen || uncompressedLen > maxRDBStringLen {
		return nil, fmt.Errorf("compressed string too large: %d/%d", compressedLen, uncompressedLen)
	}

	compressed := make([]byte, compressedLen)
	if _, err := io.ReadFull(p.br, compressed); err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}
	return lzfDecompress(compressed, int(uncompressedLen))
}

// ParseRDB is a convenience function to parse an RDB stream
func ParseRDB(r io.Reader, handler RDBHandler) error {
	return NewRDBParser(r, handler).Parse()
}

// LoadFile parses the snapshot at path into handler. A missing file is
// reported as an error wrapping os.ErrNotExist.
func LoadFile(path string, handler RDBHandler, logger Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	parser := NewRDBParser(bytes.NewReader(data), handler)
	parser.SetLogger(logger)
	if err := parser.Parse(); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// StorageLoader is an RDBHandler that installs every key into a storage.
// Only database 0 is loaded.
type StorageLoader struct {
	storage storage.Storage
	logger  Logger
	db      int

	Keys int
}

// NewStorageLoader creates a loader writing into stor
func NewStorageLoader(stor storage.Storage, logger Logger) *StorageLoader {
	if logger == nil {
		logger = nopLogger{}
	}
	return &StorageLoader{storage: stor, logger: logger}
}

func (h *StorageLoader) OnDatabase(index int) error {
	h.db = index
	if index != 0 {
		h.logger.Info("Ignoring keys outside database 0", "db", index)
	}
	return nil
}

func (h *StorageLoader) OnKey(key []byte, value *storage.Value) error {
	if h.db != 0 {
		return nil
	}
	h.storage.Load(string(key), value)
	h.Keys++
	return nil
}

func (h *StorageLoader) OnAux(key, value []byte) error {
	h.logger.Debug("RDB aux field", "key", string(key), "value", string(value))
	return nil
}

func (h *StorageLoader) OnEnd() error {
	h.logger.Debug("RDB parsing completed", "keys", h.Keys)
	return nil
}
