package index

// schema is the logical schema spec.md §4.3 names, translated from
// original_source/src/syncfs/SyncFS.cpp's CREATE TABLE/CREATE
// TRIGGER statements (which used a single in_encfs-flagged blocks
// table) into the three-table/cascade-trigger shape spec.md §3's Index
// invariants describe: files, chunks, and the file↔chunk placement
// table openfs, with a computed chunk_presence view standing in for
// this implementation's chunk_presence operation.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY,
	path_id BLOB NOT NULL UNIQUE,
	mtime INTEGER NOT NULL,
	revision INTEGER NOT NULL,
	meta_bytes BLOB NOT NULL,
	signature BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY,
	ciphertext_hash BLOB NOT NULL UNIQUE,
	size INTEGER NOT NULL,
	iv BLOB NOT NULL,
	in_enc_storage BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS openfs (
	chunk_id INTEGER NOT NULL REFERENCES chunks (id) ON DELETE CASCADE ON UPDATE CASCADE,
	file_id INTEGER NOT NULL REFERENCES files (id) ON DELETE CASCADE ON UPDATE CASCADE,
	offset INTEGER NOT NULL,
	assembled BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS openfs_chunk_id_idx ON openfs (chunk_id);
CREATE INDEX IF NOT EXISTS openfs_file_id_idx ON openfs (file_id);

CREATE VIEW IF NOT EXISTS chunk_presence AS
	SELECT
		chunks.id AS chunk_id,
		chunks.ciphertext_hash AS ciphertext_hash,
		chunks.in_enc_storage AS in_enc_storage,
		MAX(COALESCE(openfs.assembled, 0)) AS in_openfs,
		(chunks.in_enc_storage = 1 OR MAX(COALESCE(openfs.assembled, 0)) = 1) AS present
	FROM chunks
	LEFT JOIN openfs ON openfs.chunk_id = chunks.id
	GROUP BY chunks.id;

CREATE TRIGGER IF NOT EXISTS chunk_gc_on_file_delete AFTER DELETE ON files BEGIN
	DELETE FROM chunks WHERE id NOT IN (SELECT chunk_id FROM openfs);
END;
`
