package group

import (
	"os"

	"github.com/agentpulse/agentpulse/apperr"
)

// writeFileAtomic writes data to path via write-temp-then-rename,
// matching the durability convention storagekey.writeMaterial uses.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperr.Wrap(apperr.FileError, "write temporary group directory file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperr.Wrap(apperr.FileError, "rename group directory file into place", err)
	}
	return nil
}

// readFileIfExists returns (nil, nil) if path does not exist.
func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.FileError, "read group directory file", err)
	}
	return data, nil
}
