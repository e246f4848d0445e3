package persist

import (
	"encoding/hex"
	"os"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

const (
	// randomBytes is the number of bytes to use to ensure sufficient
	// randomness when generating a random suffix.
	randomBytes = 20

	// tempSuffix is the suffix applied to the temporary/backup versions of
	// files being persisted atomically.
	tempSuffix = "_temp"
)

// RandomSuffix returns a hex suffix suitable for temp-file names. There
// are 80 bits of entropy, and a very low probability of colliding with
// existing files unintentionally.
func RandomSuffix() string {
	return hex.EncodeToString(fastrand.Bytes(randomBytes))[:20]
}

// AtomicWriteFile writes data to filename by first writing to a sibling
// temp file, fsyncing it, then renaming it over the destination. This is
// the atomic-write idiom chunkstorage.EncStorage uses for its blobs.
func AtomicWriteFile(filename string, data []byte, perm os.FileMode) (err error) {
	tmp := filename + tempSuffix + "_" + RandomSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return errors.AddContext(err, "could not create temp file")
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return errors.AddContext(err, "could not write temp file")
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.AddContext(err, "could not fsync temp file")
	}
	if err = f.Close(); err != nil {
		return errors.AddContext(err, "could not close temp file")
	}
	if err = os.Rename(tmp, filename); err != nil {
		return errors.AddContext(err, "could not rename temp file into place")
	}
	return nil
}
