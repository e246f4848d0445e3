// Package index implements the transactional, relationally-consistent
// store of signed metadata and chunk placement records described in
// spec.md §4.3: a sqlite-backed Index with foreign keys and a cascading
// delete trigger, reached through database/sql and
// github.com/mattn/go-sqlite3 the way the config store in the pack's
// gastrolog repo reaches sqlite, adapted to this package's
// uplo-tech/errors idiom.
package index

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/librevault/synccore/crypto"
	"github.com/librevault/synccore/meta"
	"github.com/uplo-tech/errors"
)

var (
	// ErrStaleRevision is not a failure: spec.md §4.3 defines it as "the
	// submission is silently ignored" when an existing row's revision is
	// already >= the incoming one.
	ErrStaleRevision = errors.New("meta revision is not newer than the stored one")

	// ErrBadSignature is returned when put_meta is handed a SignedMeta
	// that does not verify against the Index's verifying key.
	ErrBadSignature = errors.New("meta signature does not verify")

	// ErrTxAborted is returned when the whole put_meta transaction had to
	// be rolled back.
	ErrTxAborted = errors.New("index transaction aborted")

	// ErrNotFound is returned by get_meta for an unknown PathId.
	ErrNotFound = errors.New("no meta for this path id")
)

// Presence is the result of chunk_presence(ciphertext_hash).
type Presence int

// The four presence states spec.md §4.3 names.
const (
	PresenceAbsent Presence = iota
	PresenceInEncStorage
	PresenceInOpenFS
	PresenceBoth
)

// Index is a transactional store of SignedMeta and chunk placement
// records for one folder, bound to the folder's verifying key so that
// PutMeta can enforce spec.md §8 invariant 8 itself.
type Index struct {
	db           *sql.DB
	verifyingKey crypto.VerifyingKey
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema exists. vk is the folder's verifying key; every
// Meta accepted by PutMeta must verify against it.
func Open(path string, vk crypto.VerifyingKey) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, errors.AddContext(err, "could not open index database")
	}
	// A single connection serializes every index statement and
	// transaction, whichever goroutine issues it (the folder's internal
	// lane, its Indexer or its FileAssembler); sqlite does not benefit
	// from a pool here and a pool would allow concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.AddContext(err, "could not initialize index schema")
	}
	return &Index{db: db, verifyingKey: vk}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// PutMeta processes batch as a single transaction (spec.md §4.3). It
// returns one result per batch entry — nil, ErrStaleRevision, or
// ErrBadSignature — in the same order as batch. If the transaction
// itself cannot commit, every result is ErrTxAborted and the returned
// error is non-nil; no entry in batch takes effect.
func (idx *Index) PutMeta(batch []meta.SignedMeta) ([]error, error) {
	results := make([]error, len(batch))

	tx, err := idx.db.Begin()
	if err != nil {
		return nil, errors.AddContext(err, "could not begin put_meta transaction")
	}

	for i, sm := range batch {
		if err := idx.putOne(tx, sm); err != nil {
			if errors.Contains(err, ErrStaleRevision) || errors.Contains(err, ErrBadSignature) {
				results[i] = err
				continue
			}
			tx.Rollback()
			for j := range results {
				results[j] = ErrTxAborted
			}
			return results, errors.Compose(ErrTxAborted, err)
		}
		results[i] = nil
	}

	if err := tx.Commit(); err != nil {
		for j := range results {
			results[j] = ErrTxAborted
		}
		return results, errors.Compose(ErrTxAborted, err)
	}
	return results, nil
}

func (idx *Index) putOne(tx *sql.Tx, sm meta.SignedMeta) error {
	m, err := sm.Verify(idx.verifyingKey)
	if err != nil {
		return errors.Compose(ErrBadSignature, err)
	}

	var existingRevision int64
	err = tx.QueryRow("SELECT revision FROM files WHERE path_id = ?", m.PathID[:]).Scan(&existingRevision)
	switch {
	case err == sql.ErrNoRows:
		// no prior Meta for this PathId; proceed.
	case err != nil:
		return errors.AddContext(err, "could not check existing revision")
	case existingRevision >= m.Revision:
		return ErrStaleRevision
	}

	// sqlite only fires AFTER DELETE triggers for an actual DELETE
	// statement, not for the implicit delete an INSERT OR REPLACE would
	// perform. Deleting explicitly here is what makes
	// chunk_gc_on_file_delete (and the chunk-row GC it drives) actually
	// run on every edit or removal.
	if _, err := tx.Exec("DELETE FROM files WHERE path_id = ?", m.PathID[:]); err != nil {
		return errors.AddContext(err, "could not clear previous file row")
	}

	res, err := tx.Exec(
		"INSERT INTO files (path_id, mtime, revision, meta_bytes, signature) VALUES (?, ?, ?, ?, ?)",
		m.PathID[:], m.Attribs.MTime, m.Revision, sm.MetaBytes, sm.Signature,
	)
	if err != nil {
		return errors.AddContext(err, "could not insert file row")
	}
	fileID, err := res.LastInsertId()
	if err != nil {
		return errors.AddContext(err, "could not read new file id")
	}

	var offset uint64
	for _, c := range m.FileMap {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO chunks (ciphertext_hash, size, iv) VALUES (?, ?, ?)",
			c.CiphertextHash[:], c.Size, c.IV[:],
		); err != nil {
			return errors.AddContext(err, "could not upsert chunk row")
		}
		var chunkID int64
		if err := tx.QueryRow("SELECT id FROM chunks WHERE ciphertext_hash = ?", c.CiphertextHash[:]).Scan(&chunkID); err != nil {
			return errors.AddContext(err, "could not read chunk id")
		}
		if _, err := tx.Exec(
			"INSERT INTO openfs (chunk_id, file_id, offset, assembled) VALUES (?, ?, ?, 0)",
			chunkID, fileID, offset,
		); err != nil {
			return errors.AddContext(err, "could not insert openfs row")
		}
		offset += c.Size
	}
	return nil
}

// GetMeta returns the current SignedMeta for pathID.
func (idx *Index) GetMeta(pathID crypto.PathID) (meta.SignedMeta, error) {
	var sm meta.SignedMeta
	err := idx.db.QueryRow("SELECT meta_bytes, signature FROM files WHERE path_id = ?", pathID[:]).
		Scan(&sm.MetaBytes, &sm.Signature)
	if err == sql.ErrNoRows {
		return meta.SignedMeta{}, ErrNotFound
	}
	if err != nil {
		return meta.SignedMeta{}, errors.AddContext(err, "could not read meta")
	}
	return sm, nil
}

// GetMetaSince returns every SignedMeta with revision >= since.
func (idx *Index) GetMetaSince(since int64) ([]meta.SignedMeta, error) {
	return idx.queryMetas("SELECT meta_bytes, signature FROM files WHERE revision >= ?", since)
}

// GetAllMeta returns every SignedMeta currently in the Index.
func (idx *Index) GetAllMeta() ([]meta.SignedMeta, error) {
	return idx.queryMetas("SELECT meta_bytes, signature FROM files")
}

func (idx *Index) queryMetas(query string, args ...interface{}) ([]meta.SignedMeta, error) {
	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, errors.AddContext(err, "could not query metas")
	}
	defer rows.Close()

	var out []meta.SignedMeta
	for rows.Next() {
		var sm meta.SignedMeta
		if err := rows.Scan(&sm.MetaBytes, &sm.Signature); err != nil {
			return nil, errors.AddContext(err, "could not scan meta row")
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.AddContext(err, "error iterating meta rows")
	}
	return out, nil
}

// ChunkPresence reports chunk_presence(ciphertext_hash) per spec.md
// §4.3.
func (idx *Index) ChunkPresence(hash crypto.Hash) (Presence, error) {
	var inEnc, inOpen bool
	err := idx.db.QueryRow(
		"SELECT in_enc_storage, in_openfs FROM chunk_presence WHERE ciphertext_hash = ?", hash[:],
	).Scan(&inEnc, &inOpen)
	if err == sql.ErrNoRows {
		return PresenceAbsent, nil
	}
	if err != nil {
		return PresenceAbsent, errors.AddContext(err, "could not read chunk presence")
	}
	switch {
	case inEnc && inOpen:
		return PresenceBoth, nil
	case inEnc:
		return PresenceInEncStorage, nil
	case inOpen:
		return PresenceInOpenFS, nil
	default:
		return PresenceAbsent, nil
	}
}

// ChunkHasRow reports whether a chunks row exists for hash. A chunk's
// row is created by PutMeta the moment a Meta referencing it is
// committed; chunkstorage's PutCiphertext uses this to refuse blobs
// nothing in the Index has asked for yet.
func (idx *Index) ChunkHasRow(hash crypto.Hash) (bool, error) {
	var id int64
	err := idx.db.QueryRow("SELECT id FROM chunks WHERE ciphertext_hash = ?", hash[:]).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.AddContext(err, "could not check chunk row")
	}
	return true, nil
}

// SetInEncStorage records whether hash currently has a physical blob in
// EncStorage; chunkstorage calls this after writing or removing one.
func (idx *Index) SetInEncStorage(hash crypto.Hash, present bool) error {
	if _, err := idx.db.Exec("UPDATE chunks SET in_enc_storage = ? WHERE ciphertext_hash = ?", present, hash[:]); err != nil {
		return errors.AddContext(err, "could not update chunk presence")
	}
	return nil
}

// MarkAssembled records that the live file for pathID holds the
// plaintext for chunkID at its placed offset, or no longer does.
func (idx *Index) MarkAssembled(pathID crypto.PathID, chunkID crypto.Hash, assembled bool) error {
	_, err := idx.db.Exec(`
		UPDATE openfs SET assembled = ?
		WHERE file_id = (SELECT id FROM files WHERE path_id = ?)
		  AND chunk_id = (SELECT id FROM chunks WHERE ciphertext_hash = ?)`,
		assembled, pathID[:], chunkID[:])
	if err != nil {
		return errors.AddContext(err, "could not update assembled flag")
	}
	return nil
}

// MissingChunks returns the ciphertext hashes referenced by pathID's
// current Meta that are absent, in file-offset order.
func (idx *Index) MissingChunks(pathID crypto.PathID) ([]crypto.Hash, error) {
	rows, err := idx.db.Query(`
		SELECT chunks.ciphertext_hash
		FROM openfs
		JOIN chunks ON chunks.id = openfs.chunk_id
		JOIN files ON files.id = openfs.file_id
		LEFT JOIN chunk_presence ON chunk_presence.chunk_id = chunks.id
		WHERE files.path_id = ? AND COALESCE(chunk_presence.present, 0) = 0
		ORDER BY openfs.offset ASC`, pathID[:])
	if err != nil {
		return nil, errors.AddContext(err, "could not query missing chunks")
	}
	defer rows.Close()

	var out []crypto.Hash
	for rows.Next() {
		var h crypto.Hash
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.AddContext(err, "could not scan missing chunk hash")
		}
		copy(h[:], raw)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.AddContext(err, "error iterating missing chunks")
	}
	return out, nil
}

// ChunkFullyAssembled reports whether every openfs placement referencing
// hash has assembled=true, meaning the plaintext is fully recoverable
// from the working tree and an EncStorage copy is redundant. A chunk
// with no openfs placements at all is not considered fully assembled.
func (idx *Index) ChunkFullyAssembled(hash crypto.Hash) (bool, error) {
	var total, assembled int
	err := idx.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(openfs.assembled), 0)
		FROM openfs
		JOIN chunks ON chunks.id = openfs.chunk_id
		WHERE chunks.ciphertext_hash = ?`, hash[:],
	).Scan(&total, &assembled)
	if err != nil {
		return false, errors.AddContext(err, "could not check chunk assembly state")
	}
	return total > 0 && total == assembled, nil
}

// ChunkPlacement is everything chunkstorage.OpenStorage needs to
// reconstruct a chunk's plaintext slice from the live working tree.
type ChunkPlacement struct {
	EncPath   []byte
	EncPathIV [crypto.IVSize]byte
	Offset    uint64
	Size      uint64
	IV        [crypto.IVSize]byte
}

// FindAssembledChunk locates an openfs row for hash with assembled=true
// and returns the information needed to re-derive its ciphertext from
// the live file, per spec.md §4.4's OpenStorage description. ok is
// false if no such row exists.
func (idx *Index) FindAssembledChunk(hash crypto.Hash) (ChunkPlacement, bool, error) {
	row := idx.db.QueryRow(`
		SELECT files.meta_bytes, openfs.offset, chunks.size, chunks.iv
		FROM openfs
		JOIN chunks ON chunks.id = openfs.chunk_id
		JOIN files ON files.id = openfs.file_id
		WHERE chunks.ciphertext_hash = ? AND openfs.assembled = 1
		LIMIT 1`, hash[:])

	var metaBytes, ivRaw []byte
	var placement ChunkPlacement
	if err := row.Scan(&metaBytes, &placement.Offset, &placement.Size, &ivRaw); err != nil {
		if err == sql.ErrNoRows {
			return ChunkPlacement{}, false, nil
		}
		return ChunkPlacement{}, false, errors.AddContext(err, "could not query assembled chunk placement")
	}
	copy(placement.IV[:], ivRaw)

	var m meta.Meta
	if err := m.UnmarshalBinary(metaBytes); err != nil {
		return ChunkPlacement{}, false, errors.AddContext(err, "could not decode meta for assembled chunk")
	}
	placement.EncPath = m.EncPath
	placement.EncPathIV = m.EncPathIV
	return placement, true, nil
}
