package storage

import (
	"bytes"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"teamtrust/pkg/history"
	"teamtrust/pkg/types"
)

const teamPrefix = "team/"

// Options configures a LevelDB store
type Options struct {
	Compress         bool
	CompressionLevel int
	Logger           *zap.Logger
}

// LevelDB stores links under team/<team id>/link/<hash>
type LevelDB struct {
	db     *leveldb.DB
	codec  linkCodec
	logger *zap.Logger
}

// Open opens or creates a store in dir
func Open(dir string, opts Options) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", dir, err)
	}
	return wrap(db, opts), nil
}

// OpenMemory returns a store that lives only as long as the process
func OpenMemory(opts Options) (*LevelDB, error) {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	return wrap(db, opts), nil
}

func wrap(db *leveldb.DB, opts Options) *LevelDB {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LevelDB{
		db:     db,
		codec:  newLinkCodec(opts.Compress, opts.CompressionLevel),
		logger: logger,
	}
}

func linkPrefix(teamID types.Hash) []byte {
	return []byte(teamPrefix + string(teamID) + "/link/")
}

func linkKey(teamID, hash types.Hash) []byte {
	return append(linkPrefix(teamID), hash...)
}

// SaveLinks writes links in one synchronous batch
func (s *LevelDB) SaveLinks(teamID types.Hash, links []*history.Link) error {
	if teamID == "" {
		return fmt.Errorf("cannot save links without a team id")
	}
	batch := new(leveldb.Batch)
	for _, l := range links {
		value, err := s.codec.encode(l)
		if err != nil {
			return err
		}
		batch.Put(linkKey(teamID, l.Hash), value)
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write links: %w", err)
	}
	s.logger.Debug("Saved links", zap.String("team", string(teamID)), zap.Int("count", len(links)))
	return nil
}

// LoadGraph rebuilds and validates a stored history
func (s *LevelDB) LoadGraph(teamID types.Hash) (*history.Graph, error) {
	iter := s.db.NewIterator(util.BytesPrefix(linkPrefix(teamID)), nil)
	defer iter.Release()

	var links []*history.Link
	for iter.Next() {
		l, err := s.codec.decode(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("team %s: %w", teamID, err)
		}
		links = append(links, l)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to read team %s: %w", teamID, err)
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, teamID)
	}
	return history.FromLinks(links)
}

// Size is the number of bytes the stored links of a team take, before
// LevelDB's own compression
func (s *LevelDB) Size(teamID types.Hash) (int64, error) {
	iter := s.db.NewIterator(util.BytesPrefix(linkPrefix(teamID)), nil)
	defer iter.Release()

	var n int64
	for iter.Next() {
		n += int64(len(iter.Key()) + len(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("failed to read team %s: %w", teamID, err)
	}
	return n, nil
}

// Teams lists the ids of stored teams
func (s *LevelDB) Teams() ([]types.Hash, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(teamPrefix)), nil)
	defer iter.Release()

	var out []types.Hash
	for iter.Next() {
		rest := bytes.TrimPrefix(iter.Key(), []byte(teamPrefix))
		i := bytes.IndexByte(rest, '/')
		if i <= 0 {
			continue
		}
		id := types.Hash(rest[:i])
		if len(out) == 0 || out[len(out)-1] != id {
			out = append(out, id)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	return out, nil
}

func (s *LevelDB) Close() error {
	return s.db.Close()
}
