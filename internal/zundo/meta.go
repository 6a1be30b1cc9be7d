package zundo

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// metaFileSize: InsertionPoint (8) + OldestData (8).
const metaFileSize = 16

func loadMeta(path string) (insertionPoint, oldestData uint64, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, false, nil
		}
		return 0, 0, false, errors.Wrapf(err, "zundo: read meta %s", path)
	}
	if len(data) < metaFileSize {
		return 0, 0, false, errors.Errorf("zundo: truncated meta file %s", path)
	}
	insertionPoint = binary.BigEndian.Uint64(data[0:8])
	oldestData = binary.BigEndian.Uint64(data[8:16])
	return insertionPoint, oldestData, true, nil
}

func writeMeta(path string, insertionPoint, oldestData uint64) error {
	buf := make([]byte, metaFileSize)
	binary.BigEndian.PutUint64(buf[0:8], insertionPoint)
	binary.BigEndian.PutUint64(buf[8:16], oldestData)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return errors.Wrapf(err, "zundo: write meta %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "zundo: rename meta %s", tmp)
}
