package verify

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
)

// Fingerprint captures a path's pre-edit identity: content hash, size,
// and what kind of filesystem object it was.
type Fingerprint struct {
	SHA1 string
	Size int64
	Kind string // file | dir | symlink | missing | unreadable
}

// fingerprintPath computes the fingerprint of a repo-relative path.
// Never fails: unreadable and absent states are themselves fingerprints.
func fingerprintPath(root, rel string) Fingerprint {
	abs := filepath.Join(root, rel)
	info, err := os.Lstat(abs)
	if err != nil {
		return Fingerprint{Kind: "missing"}
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(abs)
		if err != nil {
			return Fingerprint{Kind: "unreadable"}
		}
		sum := sha1.Sum([]byte(target))
		return Fingerprint{SHA1: hex.EncodeToString(sum[:]), Size: int64(len(target)), Kind: "symlink"}
	case info.IsDir():
		return Fingerprint{Kind: "dir"}
	}

	f, err := os.Open(abs)
	if err != nil {
		return Fingerprint{Size: info.Size(), Kind: "unreadable"}
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return Fingerprint{Size: info.Size(), Kind: "unreadable"}
	}
	return Fingerprint{
		SHA1: hex.EncodeToString(h.Sum(nil)),
		Size: info.Size(),
		Kind: "file",
	}
}
